package provisioning

import (
	"context"

	"github.com/and161185/tap-wallet/internal/model"
)

// EligibilityStatus is the network's answer to an eligibility check.
type EligibilityStatus string

const (
	EligibilityEligible            EligibilityStatus = "ELIGIBLE"
	EligibilityPendingVerification EligibilityStatus = "PENDING_VERIFICATION"
)

// ActivationStatus is the network's answer to an activation poll.
type ActivationStatus string

const (
	ActivationConfirmed ActivationStatus = "CONFIRMED"
	ActivationPending   ActivationStatus = "PENDING"
	ActivationDeclined  ActivationStatus = "DECLINED"
	ActivationExpired   ActivationStatus = "EXPIRED"
)

// DeviceInfo describes the device to the network.
type DeviceInfo struct {
	DeviceID  string
	Model     string
	OSVersion string
}

type EligibilityRequest struct {
	EncryptedCard []byte // sealed for the network key, see walletcrypto.SealCard
	Attestation   []byte // COSE_Sign1 device attestation
	DeviceInfo    DeviceInfo
}

type EligibilityResult struct {
	CardRef string
	Status  EligibilityStatus
	Methods []model.VerificationMethod
}

type ProvisionRequest struct {
	CardRef        string
	KeyAttestation []byte
}

type ProvisionResult struct {
	TokenRef           string
	MaskedDPAN         string
	TokenState         model.TokenState
	RequiresActivation bool
}

// Network is the eligibility and provisioning capability.
// Rejections are reported as errors wrapping errs.ErrRejected.
type Network interface {
	CheckEligibility(ctx context.Context, req EligibilityRequest) (EligibilityResult, error)
	Provision(ctx context.Context, req ProvisionRequest) (ProvisionResult, error)
	ActivationStatus(ctx context.Context, tokenRef string) (ActivationStatus, error)
}

// CardSource is the card entry capability (camera, NFC read, manual form).
// It returns errs.ErrUserCancelled when the user dismisses entry.
type CardSource interface {
	RequestCard(ctx context.Context, prompt string) (model.Card, error)
}
