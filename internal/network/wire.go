// Package network defines the wire contract shared by the wallet's network
// client and the sandbox network: method names, payload fields and the
// mapping between sentinel errors and gRPC status codes.
package network

import (
	"encoding/base64"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/tap-wallet/internal/errs"
)

// ServiceName is the gRPC service carrying eligibility, provisioning and verification.
const ServiceName = "tapwallet.network.v1.Network"

// Full method names.
const (
	MethodNetworkKey       = "/" + ServiceName + "/NetworkKey"
	MethodCheckEligibility = "/" + ServiceName + "/CheckEligibility"
	MethodProvision        = "/" + ServiceName + "/Provision"
	MethodActivationStatus = "/" + ServiceName + "/ActivationStatus"
	MethodIssueChallenge   = "/" + ServiceName + "/IssueChallenge"
	MethodConfirmChallenge = "/" + ServiceName + "/ConfirmChallenge"
)

// Payload field names.
const (
	FieldPublicKey          = "public_key"
	FieldEncryptedCard      = "encrypted_card"
	FieldAttestation        = "attestation"
	FieldDevice             = "device"
	FieldDeviceID           = "device_id"
	FieldModel              = "model"
	FieldOSVersion          = "os_version"
	FieldCardRef            = "card_ref"
	FieldStatus             = "status"
	FieldMethods            = "methods"
	FieldKeyAttestation     = "key_attestation"
	FieldTokenRef           = "token_ref"
	FieldMaskedDPAN         = "masked_dpan"
	FieldTokenState         = "token_state"
	FieldRequiresActivation = "requires_activation"
	FieldMethod             = "method"
	FieldChallengeID        = "challenge_id"
	FieldCode               = "code"
	FieldVerified           = "verified"
)

// Bytes encodes binary payload fields; structpb has no bytes kind.
func Bytes(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

// String returns a string field, or "" when absent.
func String(s *structpb.Struct, field string) string {
	return s.GetFields()[field].GetStringValue()
}

// Bool returns a bool field, or false when absent.
func Bool(s *structpb.Struct, field string) bool {
	return s.GetFields()[field].GetBoolValue()
}

// Struct returns a nested object field, or nil when absent.
func Struct(s *structpb.Struct, field string) *structpb.Struct {
	return s.GetFields()[field].GetStructValue()
}

// Strings returns the string elements of a list field.
func Strings(s *structpb.Struct, field string) []string {
	vals := s.GetFields()[field].GetListValue().GetValues()
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		out = append(out, v.GetStringValue())
	}
	return out
}

// DecodeBytes reads a base64 field.
func DecodeBytes(s *structpb.Struct, field string) ([]byte, error) {
	raw := String(s, field)
	if raw == "" {
		return nil, fmt.Errorf("%w: missing %s", errs.ErrInvalidInput, field)
	}
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errs.ErrInvalidInput, field, err)
	}
	return b, nil
}

// ToStatus converts a domain error into a gRPC status error.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, errs.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, errs.ErrRejected):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, errs.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, errs.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, err.Error())
	default:
		return status.Errorf(codes.Internal, "internal: %v", err)
	}
}

// FromStatus converts a gRPC status error into a domain error.
// Codes without a sentinel are wrapped as-is and treated as transient by callers.
func FromStatus(method string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%s: %w", method, err)
	}
	switch st.Code() {
	case codes.InvalidArgument:
		return fmt.Errorf("%s: %w: %s", method, errs.ErrInvalidInput, st.Message())
	case codes.FailedPrecondition, codes.PermissionDenied:
		return fmt.Errorf("%s: %w: %s", method, errs.ErrRejected, st.Message())
	case codes.NotFound:
		return fmt.Errorf("%s: %w: %s", method, errs.ErrNotFound, st.Message())
	case codes.ResourceExhausted:
		return fmt.Errorf("%s: %w: %s", method, errs.ErrRateLimited, st.Message())
	default:
		return fmt.Errorf("%s: %w", method, err)
	}
}
