// Package sandbox is a deterministic card network for development and
// integration tests. It speaks the same wire contract as the real network.
//
// Rules, by funding PAN:
//   - prefix 400000 is declined at eligibility;
//   - an even last digit is ELIGIBLE, an odd one needs OTP or SMS verification;
//   - a leading 5 requires activation, confirmed after ActivationPolls polls
//     (prefix 510000 is declined instead).
package sandbox

import (
	"context"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/tap-wallet/internal/attest"
	"github.com/and161185/tap-wallet/internal/crypto/walletcrypto"
	"github.com/and161185/tap-wallet/internal/errs"
	"github.com/and161185/tap-wallet/internal/model"
	"github.com/and161185/tap-wallet/internal/network"
)

const (
	DefaultOTPCode         = "123456"
	DefaultActivationPolls = 1
	declinedPrefix         = "400000"
	activationDeclined     = "510000"
)

// Config configures a sandbox Server.
type Config struct {
	OTPCode         string
	ActivationPolls int
	NetworkKey      *ecdh.PrivateKey // generated when nil
	Log             *zap.Logger
}

type card struct {
	deviceID   string
	devicePub  *ecdsa.PublicKey
	masked     string
	methods    []model.VerificationMethod
	verified   bool
	activation bool
	declined   bool
	tokenRef   string
}

type challenge struct {
	cardRef string
	method  model.VerificationMethod
}

type issuedToken struct {
	cardRef string
	polls   int
}

// Server implements Handler with in-memory state.
type Server struct {
	cfg Config
	log *zap.Logger

	mu         sync.Mutex
	cards      map[string]*card
	challenges map[string]*challenge
	tokens     map[string]*issuedToken
}

// New constructs a sandbox network.
func New(cfg Config) (*Server, error) {
	if cfg.OTPCode == "" {
		cfg.OTPCode = DefaultOTPCode
	}
	if cfg.ActivationPolls <= 0 {
		cfg.ActivationPolls = DefaultActivationPolls
	}
	if cfg.NetworkKey == nil {
		k, err := ecdh.P256().GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("sandbox: network key: %w", err)
		}
		cfg.NetworkKey = k
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:        cfg,
		log:        log,
		cards:      map[string]*card{},
		challenges: map[string]*challenge{},
		tokens:     map[string]*issuedToken{},
	}, nil
}

func reply(fields map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return out, nil
}

func newRef(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.Must(uuid.NewV4()).String(), "-", "")[:16]
}

// NetworkKey publishes the card sealing key.
func (s *Server) NetworkKey(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return reply(map[string]any{network.FieldPublicKey: network.Bytes(s.cfg.NetworkKey.PublicKey().Bytes())})
}

// CheckEligibility opens the sealed card, checks the device attestation and applies the PAN rules.
func (s *Server) CheckEligibility(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	deviceID, ok := DeviceIDFromCtx(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "no auth")
	}
	rawAtt, err := network.DecodeBytes(in, network.FieldAttestation)
	if err != nil {
		return nil, network.ToStatus(err)
	}
	claims, pub, err := attest.VerifyDevice(rawAtt)
	if err != nil {
		return nil, status.Error(codes.PermissionDenied, err.Error())
	}
	if claims.DeviceID != deviceID {
		return nil, status.Error(codes.PermissionDenied, "attestation is for another device")
	}
	if id := network.String(network.Struct(in, network.FieldDevice), network.FieldDeviceID); id != "" && id != deviceID {
		return nil, status.Error(codes.PermissionDenied, "device info mismatch")
	}

	sealed, err := network.DecodeBytes(in, network.FieldEncryptedCard)
	if err != nil {
		return nil, network.ToStatus(err)
	}
	c, err := walletcrypto.OpenCard(s.cfg.NetworkKey, sealed)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "cannot open card")
	}
	if err := c.Validate(); err != nil {
		return nil, network.ToStatus(fmt.Errorf("%w: %v", errs.ErrInvalidInput, err))
	}
	pan := model.NormalizePAN(c.PAN)
	if strings.HasPrefix(pan, declinedPrefix) {
		return nil, network.ToStatus(fmt.Errorf("%w: issuer declined bin", errs.ErrRejected))
	}

	rec := &card{
		deviceID:   deviceID,
		devicePub:  pub,
		masked:     model.MaskPAN(pan),
		activation: pan[0] == '5',
		declined:   strings.HasPrefix(pan, activationDeclined),
	}
	last := pan[len(pan)-1] - '0'
	if last%2 == 1 {
		rec.methods = []model.VerificationMethod{model.MethodOTP, model.MethodSMS}
	}
	ref := newRef("C")

	s.mu.Lock()
	s.cards[ref] = rec
	s.mu.Unlock()

	st := "ELIGIBLE"
	methods := make([]any, 0, len(rec.methods))
	for _, m := range rec.methods {
		methods = append(methods, string(m))
	}
	if len(methods) > 0 {
		st = "PENDING_VERIFICATION"
	}
	s.log.Info("eligibility", zap.String("card_ref", ref), zap.String("pan", rec.masked), zap.String("status", st))
	return reply(map[string]any{
		network.FieldCardRef: ref,
		network.FieldStatus:  st,
		network.FieldMethods: methods,
	})
}

// Provision issues a token for an eligible (or verified) card.
func (s *Server) Provision(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	deviceID, ok := DeviceIDFromCtx(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "no auth")
	}
	ref := network.String(in, network.FieldCardRef)
	rawAtt, err := network.DecodeBytes(in, network.FieldKeyAttestation)
	if err != nil {
		return nil, network.ToStatus(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[ref]
	switch {
	case !ok:
		return nil, network.ToStatus(fmt.Errorf("card ref %q: %w", ref, errs.ErrNotFound))
	case c.deviceID != deviceID:
		return nil, status.Error(codes.PermissionDenied, "card ref belongs to another device")
	case len(c.methods) > 0 && !c.verified:
		return nil, network.ToStatus(fmt.Errorf("%w: verification required", errs.ErrRejected))
	case c.tokenRef != "":
		return nil, network.ToStatus(fmt.Errorf("%w: already provisioned", errs.ErrRejected))
	}
	claims, err := attest.VerifyKey(rawAtt, c.devicePub)
	if err != nil {
		return nil, status.Error(codes.PermissionDenied, err.Error())
	}
	if claims.CardRef != ref || claims.KeyHandle == "" || len(claims.KCV) == 0 {
		return nil, network.ToStatus(fmt.Errorf("%w: key attestation does not match card", errs.ErrInvalidInput))
	}

	c.tokenRef = newRef("DT")
	s.tokens[c.tokenRef] = &issuedToken{cardRef: ref}
	state := model.TokenActive
	if c.activation {
		state = model.TokenPendingVerification
	}
	s.log.Info("provisioned", zap.String("card_ref", ref), zap.String("token", c.tokenRef), zap.Bool("requires_activation", c.activation))
	return reply(map[string]any{
		network.FieldTokenRef:           c.tokenRef,
		network.FieldMaskedDPAN:         c.masked,
		network.FieldTokenState:         string(state),
		network.FieldRequiresActivation: c.activation,
	})
}

// owned returns the card behind ref if it was registered by the calling device. Caller holds s.mu.
func (s *Server) owned(ctx context.Context, ref string) (*card, error) {
	deviceID, ok := DeviceIDFromCtx(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "no auth")
	}
	c, ok := s.cards[ref]
	if !ok {
		return nil, network.ToStatus(fmt.Errorf("card ref %q: %w", ref, errs.ErrNotFound))
	}
	if c.deviceID != deviceID {
		return nil, status.Error(codes.PermissionDenied, "card ref belongs to another device")
	}
	return c, nil
}

// ActivationStatus reports PENDING for the first ActivationPolls polls of a token that needs activation.
func (s *Server) ActivationStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ref := network.String(in, network.FieldTokenRef)

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[ref]
	if !ok {
		return nil, network.ToStatus(fmt.Errorf("token %q: %w", ref, errs.ErrNotFound))
	}
	c, err := s.owned(ctx, t.cardRef)
	if err != nil {
		return nil, err
	}
	st := "CONFIRMED"
	switch {
	case !c.activation:
	case c.declined:
		st = "DECLINED"
	case t.polls < s.cfg.ActivationPolls:
		t.polls++
		st = "PENDING"
	}
	return reply(map[string]any{network.FieldStatus: st})
}

// IssueChallenge starts a step-up challenge over one of the offered methods.
func (s *Server) IssueChallenge(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ref := network.String(in, network.FieldCardRef)
	method := model.VerificationMethod(network.String(in, network.FieldMethod))

	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.owned(ctx, ref)
	if err != nil {
		return nil, err
	}
	offered := false
	for _, m := range c.methods {
		offered = offered || m == method
	}
	if !offered {
		return nil, network.ToStatus(fmt.Errorf("%w: method %q not offered", errs.ErrInvalidInput, method))
	}
	id := newRef("CH")
	s.challenges[id] = &challenge{cardRef: ref, method: method}
	return reply(map[string]any{network.FieldChallengeID: id})
}

// ConfirmChallenge checks the code against the configured sandbox OTP.
func (s *Server) ConfirmChallenge(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := network.String(in, network.FieldChallengeID)
	code := network.String(in, network.FieldCode)

	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.challenges[id]
	if !ok {
		return nil, network.ToStatus(fmt.Errorf("challenge %q: %w", id, errs.ErrNotFound))
	}
	c, err := s.owned(ctx, ch.cardRef)
	if err != nil {
		return nil, err
	}
	verified := code == s.cfg.OTPCode
	if verified {
		c.verified = true
		delete(s.challenges, id)
	}
	return reply(map[string]any{network.FieldVerified: verified})
}

// Handler is the network service surface.
type Handler interface {
	NetworkKey(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CheckEligibility(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Provision(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ActivationStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	IssueChallenge(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ConfirmChallenge(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryFunc func(Handler, context.Context, *structpb.Struct) (*structpb.Struct, error)

func method(name string, fn unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := &structpb.Struct{}
			if err := dec(in); err != nil {
				return nil, err
			}
			h := srv.(Handler)
			if interceptor == nil {
				return fn(h, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + network.ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(h, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes the network service for grpc.ServiceRegistrar.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: network.ServiceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		method("NetworkKey", Handler.NetworkKey),
		method("CheckEligibility", Handler.CheckEligibility),
		method("Provision", Handler.Provision),
		method("ActivationStatus", Handler.ActivationStatus),
		method("IssueChallenge", Handler.IssueChallenge),
		method("ConfirmChallenge", Handler.ConfirmChallenge),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tapwallet/network/v1/network.proto",
}

// Register attaches h to s.
func Register(s grpc.ServiceRegistrar, h Handler) {
	s.RegisterService(&ServiceDesc, h)
}

// NewGRPCServer builds a server with recover, logging and device auth interceptors.
func NewGRPCServer(signKey []byte, log *zap.Logger, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(
		RecoverUnary(log),
		LoggingUnary(log),
		AuthUnary(signKey),
	))
	return grpc.NewServer(opts...)
}
