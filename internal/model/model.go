// Package model defines domain entities shared by the provisioning, token and transaction layers.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// FailureReason explains why the device security check did not pass.
type FailureReason string

const (
	ReasonRooted          FailureReason = "ROOTED"
	ReasonIntegrityFailed FailureReason = "INTEGRITY_FAILED"
	ReasonLowBattery      FailureReason = "LOW_BATTERY"
	ReasonUnknown         FailureReason = "UNKNOWN"
)

// DeviceSecurityStatus is the result of the startup security check.
type DeviceSecurityStatus struct {
	Passed        bool
	FailureReason FailureReason // empty when Passed
}

// SessionState is a provisioning state. The INIT_* and READY values belong to the device gate.
type SessionState string

const (
	StateInitPending         SessionState = "INIT_PENDING"
	StateInitFailed          SessionState = "INIT_FAILED"
	StateReady               SessionState = "READY"
	StateEligibilityChecking SessionState = "ELIGIBILITY_CHECKING"
	StateVerifying           SessionState = "VERIFYING"
	StateProvisioning        SessionState = "PROVISIONING"
	StatePendingActivation   SessionState = "PENDING_ACTIVATION"
	StateActive              SessionState = "ACTIVE"
	StateFailed              SessionState = "FAILED"
	StateAborted             SessionState = "ABORTED"
)

// Terminal reports whether no further transition is possible.
func (s SessionState) Terminal() bool {
	switch s {
	case StateActive, StateFailed, StateAborted, StateInitFailed:
		return true
	}
	return false
}

// VerificationMethod is a step-up channel offered by the issuer.
type VerificationMethod string

const (
	MethodOTP     VerificationMethod = "OTP"
	MethodOOB     VerificationMethod = "OOB"
	MethodBankApp VerificationMethod = "BANK_APP"
	MethodSMS     VerificationMethod = "SMS"
	MethodEmail   VerificationMethod = "EMAIL"
)

// Valid reports whether m is a known method.
func (m VerificationMethod) Valid() bool {
	switch m {
	case MethodOTP, MethodOOB, MethodBankApp, MethodSMS, MethodEmail:
		return true
	}
	return false
}

// CodeBased reports whether the method is confirmed by a user-typed code.
func (m VerificationMethod) CodeBased() bool {
	return m == MethodOTP || m == MethodSMS || m == MethodEmail
}

// ProvisioningSession is one attempt to tokenize one card.
type ProvisioningSession struct {
	ID                 uuid.UUID
	CardRef            string               // opaque handle from eligibility, never the PAN
	State              SessionState         // see SessionState
	VerificationMethod VerificationMethod   // empty until a challenge is started
	Methods            []VerificationMethod // offered by eligibility
	TokenRef           string               // set once provisioning created a token
	CreatedAt          time.Time
	LastTransitionAt   time.Time
}

// VerificationChallenge is an issued step-up challenge bound to a session.
type VerificationChallenge struct {
	ID                string
	SessionID         uuid.UUID
	Method            VerificationMethod
	ExpiresAt         time.Time
	AttemptsRemaining int
}

// TokenState is the lifecycle state of a device token.
type TokenState string

const (
	TokenPendingVerification TokenState = "PENDING_VERIFICATION"
	TokenActive              TokenState = "ACTIVE"
	TokenSuspended           TokenState = "SUSPENDED"
	TokenRevoked             TokenState = "REVOKED"
)

// Token is the durable, device-bound card artifact.
type Token struct {
	TokenRef        string     // PK
	MaskedDPAN      string     // e.g. 411111******1111
	State           TokenState // only ACTIVE may transact
	DeviceKeyHandle string     // keystore handle, never key bytes
	SessionID       uuid.UUID  // session that created it
	ATC             int64      // last issued application transaction counter
	Reason          string     // last suspend/revoke reason
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TransactionContext holds per-tap data between SELECT PPSE and GENERATE AC.
type TransactionContext struct {
	TerminalAID        []byte
	PDOLData           []byte
	TransactionCounter uint16
}

// MaxATC is the largest value of the 2-byte application transaction counter.
const MaxATC = 0xFFFF
