// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Storage sentinels.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates the stored state changed under the caller (compare-and-set miss).
	ErrVersionConflict = errors.New("version conflict")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., token ref taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrRateLimited indicates provisioning for this card is temporarily blocked.
	ErrRateLimited = errors.New("rate limited")
)

// Provisioning sentinels.
var (
	// ErrInvalidInput indicates malformed caller input (card fields, codes, ids).
	ErrInvalidInput = errors.New("invalid input")

	// ErrGateClosed indicates the device gate is not READY.
	ErrGateClosed = errors.New("device gate closed")

	// ErrState indicates the operation is not valid in the current session state.
	ErrState = errors.New("invalid state")

	// ErrAborted indicates the session was aborted while the operation was in flight.
	ErrAborted = errors.New("session aborted")

	// ErrUserCancelled indicates the user dismissed card entry.
	ErrUserCancelled = errors.New("user cancelled")

	// ErrRejected indicates the network declined the request.
	ErrRejected = errors.New("rejected by network")

	// ErrActivationPending indicates activation has not been confirmed yet.
	ErrActivationPending = errors.New("activation pending")
)

// Verification sentinels.
var (
	// ErrChallengeExpired indicates the challenge deadline passed.
	ErrChallengeExpired = errors.New("challenge expired")

	// ErrChallengeRejected indicates a wrong verification code.
	ErrChallengeRejected = errors.New("challenge rejected")

	// ErrAttemptsExhausted indicates the attempt budget is spent.
	ErrAttemptsExhausted = errors.New("attempts exhausted")

	// ErrVerificationPending indicates an out-of-band approval has not arrived yet.
	ErrVerificationPending = errors.New("verification pending")
)

// Token and transaction sentinels.
var (
	// ErrAlreadyActive indicates an ACTIVE token already exists under the ref.
	ErrAlreadyActive = errors.New("token already active")

	// ErrRevoked indicates the token is revoked and cannot change state.
	ErrRevoked = errors.New("token revoked")

	// ErrTokenNotActive indicates a lookup for a token that is not ACTIVE.
	ErrTokenNotActive = errors.New("token not active")

	// ErrCounterExhausted indicates the application transaction counter hit its maximum.
	ErrCounterExhausted = errors.New("transaction counter exhausted")

	// ErrMalformedAPDU indicates truncated or unparseable APDU bytes.
	ErrMalformedAPDU = errors.New("malformed apdu")
)
