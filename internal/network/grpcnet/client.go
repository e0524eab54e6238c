// Package grpcnet talks to the card network over gRPC. It implements the
// provisioning and verification network capabilities.
package grpcnet

import (
	"context"
	"crypto/ecdh"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/tap-wallet/internal/errs"
	"github.com/and161185/tap-wallet/internal/model"
	"github.com/and161185/tap-wallet/internal/network"
	"github.com/and161185/tap-wallet/internal/provisioning"
)

// DefaultTimeout bounds a single RPC when the caller's context has no deadline.
const DefaultTimeout = 15 * time.Second

// Client is a network client over any gRPC connection.
type Client struct {
	cc      grpc.ClientConnInterface
	log     *zap.Logger
	timeout time.Duration
}

// New wraps cc. A non-positive timeout selects DefaultTimeout.
func New(cc grpc.ClientConnInterface, timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{cc: cc, log: log, timeout: timeout}
}

func (c *Client) invoke(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("%s: encode: %w", method, err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	out := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, method, in, out); err != nil {
		return nil, network.FromStatus(method, err)
	}
	return out, nil
}

// NetworkKey fetches the network's P-256 card sealing key.
func (c *Client) NetworkKey(ctx context.Context) (*ecdh.PublicKey, error) {
	out, err := c.invoke(ctx, network.MethodNetworkKey, map[string]any{})
	if err != nil {
		return nil, err
	}
	raw, err := network.DecodeBytes(out, network.FieldPublicKey)
	if err != nil {
		return nil, err
	}
	pub, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("network key: %w", err)
	}
	return pub, nil
}

func (c *Client) CheckEligibility(ctx context.Context, req provisioning.EligibilityRequest) (provisioning.EligibilityResult, error) {
	out, err := c.invoke(ctx, network.MethodCheckEligibility, map[string]any{
		network.FieldEncryptedCard: network.Bytes(req.EncryptedCard),
		network.FieldAttestation:   network.Bytes(req.Attestation),
		network.FieldDevice: map[string]any{
			network.FieldDeviceID:  req.DeviceInfo.DeviceID,
			network.FieldModel:     req.DeviceInfo.Model,
			network.FieldOSVersion: req.DeviceInfo.OSVersion,
		},
	})
	if err != nil {
		return provisioning.EligibilityResult{}, err
	}

	res := provisioning.EligibilityResult{
		CardRef: network.String(out, network.FieldCardRef),
		Status:  provisioning.EligibilityStatus(network.String(out, network.FieldStatus)),
	}
	for _, m := range network.Strings(out, network.FieldMethods) {
		res.Methods = append(res.Methods, model.VerificationMethod(m))
	}
	if res.CardRef == "" {
		return res, fmt.Errorf("%s: empty card ref", network.MethodCheckEligibility)
	}
	return res, nil
}

func (c *Client) Provision(ctx context.Context, req provisioning.ProvisionRequest) (provisioning.ProvisionResult, error) {
	out, err := c.invoke(ctx, network.MethodProvision, map[string]any{
		network.FieldCardRef:        req.CardRef,
		network.FieldKeyAttestation: network.Bytes(req.KeyAttestation),
	})
	if err != nil {
		return provisioning.ProvisionResult{}, err
	}
	res := provisioning.ProvisionResult{
		TokenRef:           network.String(out, network.FieldTokenRef),
		MaskedDPAN:         network.String(out, network.FieldMaskedDPAN),
		TokenState:         model.TokenState(network.String(out, network.FieldTokenState)),
		RequiresActivation: network.Bool(out, network.FieldRequiresActivation),
	}
	if res.TokenRef == "" || res.MaskedDPAN == "" {
		return res, fmt.Errorf("%s: incomplete token", network.MethodProvision)
	}
	return res, nil
}

func (c *Client) ActivationStatus(ctx context.Context, tokenRef string) (provisioning.ActivationStatus, error) {
	out, err := c.invoke(ctx, network.MethodActivationStatus, map[string]any{network.FieldTokenRef: tokenRef})
	if err != nil {
		return "", err
	}
	return provisioning.ActivationStatus(network.String(out, network.FieldStatus)), nil
}

// Issue asks the issuer to send a challenge over method.
func (c *Client) Issue(ctx context.Context, cardRef string, method model.VerificationMethod) (string, error) {
	out, err := c.invoke(ctx, network.MethodIssueChallenge, map[string]any{
		network.FieldCardRef: cardRef,
		network.FieldMethod:  string(method),
	})
	if err != nil {
		return "", err
	}
	id := network.String(out, network.FieldChallengeID)
	if id == "" {
		return "", fmt.Errorf("%s: %w: empty challenge id", network.MethodIssueChallenge, errs.ErrRejected)
	}
	return id, nil
}

// Confirm submits code for challengeID; an empty code polls an out-of-band approval.
func (c *Client) Confirm(ctx context.Context, challengeID, code string) (bool, error) {
	out, err := c.invoke(ctx, network.MethodConfirmChallenge, map[string]any{
		network.FieldChallengeID: challengeID,
		network.FieldCode:        code,
	})
	if err != nil {
		return false, err
	}
	return network.Bool(out, network.FieldVerified), nil
}
