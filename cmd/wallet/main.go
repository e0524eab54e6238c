// Command tw is the tap-wallet CLI: it provisions cards into device tokens
// and taps them against a simulated contactless terminal.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/status"

	"github.com/and161185/tap-wallet/internal/config"
	"github.com/and161185/tap-wallet/internal/errs"
	"github.com/and161185/tap-wallet/internal/model"
	"github.com/and161185/tap-wallet/internal/provisioning"
	"github.com/and161185/tap-wallet/internal/terminal"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

var errUsage = errors.New("usage")

func usage() {
	fmt.Fprintf(os.Stderr, `tw CLI
Usage:
  tw [-config file] <cmd> [args]

Commands:
  version
  init                                            (device check, prints device id)
  provision  [-pan N -exp MM/YY -name S] [-method OTP] [-wait 30s]
  activate   -token <ref>                         (poll issuer activation)
  tokens
  suspend    -token <ref> [-reason S]
  resume     -token <ref>
  revoke     -token <ref> [-reason S]
  tap        [-token <ref>] [-amount 1000] [-currency 840] [-country 840]
`)
}

// main loads configuration, dispatches the subcommand and maps errors to exit codes.
func main() {
	cfgPath := flag.String("config", "", "config file (YAML)")
	flag.Usage = func() { usage(); os.Exit(2) }
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fail(err)
	}
	logger, err := config.NewLogger(cfg.Log.Level)
	if err != nil {
		fail(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, flag.Args(), os.Stdin, os.Stdout); err != nil {
		fail(err)
	}
}

func fail(err error) {
	if errors.Is(err, errUsage) {
		fmt.Fprintln(os.Stderr, err)
		usage()
		os.Exit(2)
	}
	if st, ok := status.FromError(err); ok {
		fmt.Fprintf(os.Stderr, "rpc error: code=%s msg=%s\n", st.Code(), st.Message())
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// run executes one subcommand.
func run(ctx context.Context, cfg config.Config, log *zap.Logger, args []string, in io.Reader, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: missing command", errUsage)
	}
	cmd, rest := args[0], args[1:]
	if cmd == "version" {
		fmt.Fprintf(out, "tw %s (%s)\n", version, buildDate)
		return nil
	}

	a, err := openApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	switch cmd {
	case "init":
		return cmdInit(ctx, a, out)
	case "provision":
		return cmdProvision(ctx, a, rest, in, out)
	case "activate":
		return cmdActivate(ctx, a, rest, out)
	case "tokens":
		list, err := a.tokens.List(ctx)
		if err != nil {
			return err
		}
		views := make([]tokenView, 0, len(list))
		for _, t := range list {
			views = append(views, viewToken(t))
		}
		printJSON(out, views)
		return nil
	case "suspend", "resume", "revoke":
		return cmdLifecycle(ctx, a, cmd, rest, out)
	case "tap":
		return cmdTap(ctx, a, rest, out)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

type tokenView struct {
	TokenRef   string           `json:"token_ref"`
	MaskedDPAN string           `json:"masked_dpan"`
	State      model.TokenState `json:"state"`
	ATC        int64            `json:"atc"`
	Reason     string           `json:"reason,omitempty"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

func viewToken(t model.Token) tokenView {
	return tokenView{
		TokenRef:   t.TokenRef,
		MaskedDPAN: t.MaskedDPAN,
		State:      t.State,
		ATC:        t.ATC,
		Reason:     t.Reason,
		UpdatedAt:  t.UpdatedAt,
	}
}

type sessionView struct {
	ID       string                     `json:"session_id"`
	State    model.SessionState         `json:"state"`
	Methods  []model.VerificationMethod `json:"methods,omitempty"`
	Method   model.VerificationMethod   `json:"method,omitempty"`
	TokenRef string                     `json:"token_ref,omitempty"`
}

func viewSession(s model.ProvisioningSession) sessionView {
	return sessionView{
		ID:       s.ID.String(),
		State:    s.State,
		Methods:  s.Methods,
		Method:   s.VerificationMethod,
		TokenRef: s.TokenRef,
	}
}

func cmdInit(ctx context.Context, a *app, out io.Writer) error {
	id, err := a.deviceID(ctx)
	if err != nil {
		return err
	}
	st, _ := a.gate.Status()
	printJSON(out, map[string]any{
		"device_id":      id,
		"gate":           a.gate.State(),
		"passed":         st.Passed,
		"failure_reason": st.FailureReason,
	})
	return nil
}

func cmdProvision(ctx context.Context, a *app, args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("provision", flag.ContinueOnError)
	pan := fs.String("pan", "", "card number (prompted when empty)")
	exp := fs.String("exp", "", "MM/YY")
	name := fs.String("name", "", "cardholder")
	method := fs.String("method", "", "verification method (first offered when empty)")
	wait := fs.Duration("wait", 0, "poll issuer activation for this long")
	every := fs.Duration("poll", 2*time.Second, "activation poll interval")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	_, client, err := a.dial(ctx)
	if err != nil {
		return err
	}
	p, err := a.provisioner(ctx, client)
	if err != nil {
		return err
	}
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go func() { _ = p.Run(sweepCtx, a.cfg.Session.SweepInterval) }()

	prompt := newPromptCard(in, out)
	var src provisioning.CardSource = prompt
	if *pan != "" {
		src = flagCard(model.Card{PAN: *pan, Expiry: *exp, CardholderName: *name})
	}
	s, err := p.ProvisionFromSource(ctx, src, "Add a card")
	if err != nil {
		return err
	}

	if s.State == model.StateVerifying {
		if s, err = verify(ctx, p, s, model.VerificationMethod(*method), prompt); err != nil {
			return err
		}
	}

	if s.State == model.StatePendingActivation && *wait > 0 {
		deadline := time.Now().Add(*wait)
		for {
			s, err = p.ConfirmActivation(ctx, s.ID)
			if !errors.Is(err, errs.ErrActivationPending) || time.Now().Add(*every).After(deadline) {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(*every):
			}
		}
		if err != nil && !errors.Is(err, errs.ErrActivationPending) {
			return err
		}
	}

	printJSON(out, viewSession(s))
	return nil
}

// verify runs the step-up challenge, prompting for codes until accepted or exhausted.
func verify(ctx context.Context, p *provisioning.Provisioner, s model.ProvisioningSession,
	method model.VerificationMethod, prompt *promptCard) (model.ProvisioningSession, error) {
	if method == "" && len(s.Methods) > 0 {
		method = s.Methods[0]
	}
	ch, err := p.StartVerification(ctx, s.ID, method)
	if err != nil {
		return s, err
	}
	for {
		q := fmt.Sprintf("%s code (%d attempts left): ", ch.Method, ch.AttemptsRemaining)
		if !ch.Method.CodeBased() {
			q = fmt.Sprintf("approve in %s, then press enter: ", ch.Method)
		}
		code, err := prompt.line(ctx, q)
		if err != nil {
			p.Cancel(s.ID)
			return s, errs.ErrUserCancelled
		}
		s, err = p.ConfirmVerification(ctx, s.ID, code)
		switch {
		case err == nil:
			return s, nil
		case errors.Is(err, errs.ErrAttemptsExhausted), errors.Is(err, errs.ErrChallengeExpired):
			return s, err
		case errors.Is(err, errs.ErrChallengeRejected), errors.Is(err, errs.ErrVerificationPending):
			fmt.Fprintln(prompt.out, err)
			if ch.Method.CodeBased() && !errors.Is(err, errs.ErrInvalidInput) {
				ch.AttemptsRemaining--
			}
		default:
			return s, err
		}
	}
}

// cmdActivate finishes issuer activation for a token provisioned by an earlier run.
func cmdActivate(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("activate", flag.ContinueOnError)
	ref := fs.String("token", "", "token ref")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if *ref == "" {
		return fmt.Errorf("%w: need -token", errUsage)
	}
	t, err := a.tokens.Get(ctx, *ref)
	if err != nil {
		return err
	}
	if t.State != model.TokenPendingVerification {
		return fmt.Errorf("%w: token is %s", errs.ErrState, t.State)
	}

	_, client, err := a.dial(ctx)
	if err != nil {
		return err
	}
	st, err := client.ActivationStatus(ctx, *ref)
	if err != nil {
		return err
	}
	switch st {
	case provisioning.ActivationConfirmed:
		t, err = a.tokens.Activate(ctx, *ref)
	case provisioning.ActivationPending:
		return errs.ErrActivationPending
	default:
		if t, err = a.tokens.Revoke(ctx, *ref, "activation "+string(st)); err == nil {
			err = fmt.Errorf("%w: activation %s", errs.ErrRejected, st)
		}
	}
	printJSON(out, viewToken(t))
	return err
}

func cmdLifecycle(ctx context.Context, a *app, cmd string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	ref := fs.String("token", "", "token ref")
	reason := fs.String("reason", "user request", "reason")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if *ref == "" {
		return fmt.Errorf("%w: need -token", errUsage)
	}

	var (
		t   model.Token
		err error
	)
	switch cmd {
	case "suspend":
		t, err = a.tokens.Suspend(ctx, *ref, *reason)
	case "resume":
		if t, err = a.tokens.Get(ctx, *ref); err == nil && t.State != model.TokenSuspended {
			return fmt.Errorf("%w: token is %s", errs.ErrState, t.State)
		}
		if err == nil {
			t, err = a.tokens.Activate(ctx, *ref)
		}
	case "revoke":
		t, err = a.tokens.Revoke(ctx, *ref, *reason)
	}
	if err != nil {
		return err
	}
	printJSON(out, viewToken(t))
	return nil
}

type tapView struct {
	AID        string `json:"aid"`
	Label      string `json:"label"`
	MaskedDPAN string `json:"masked_dpan"`
	ATC        uint16 `json:"atc"`
	CID        string `json:"cid"`
	Cryptogram string `json:"cryptogram"`
	IAD        string `json:"iad"`
}

func cmdTap(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("tap", flag.ContinueOnError)
	ref := fs.String("token", "", "token ref (first ACTIVE token when empty)")
	amount := fs.Uint64("amount", 1000, "amount in minor units")
	currency := fs.Uint("currency", 840, "ISO 4217 numeric currency")
	country := fs.Uint("country", 840, "ISO 3166 numeric country")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	if *ref == "" {
		list, err := a.tokens.List(ctx)
		if err != nil {
			return err
		}
		for _, t := range list {
			if t.State == model.TokenActive {
				*ref = t.TokenRef
				break
			}
		}
		if *ref == "" {
			return fmt.Errorf("%w: no active token", errs.ErrNotFound)
		}
	}

	e, err := a.engine()
	if err != nil {
		return err
	}
	e.UseToken(*ref)
	p := terminal.DefaultParams()
	p.Amount, p.Currency, p.Country = *amount, uint16(*currency), uint16(*country)

	res, err := terminal.Tap(ctx, e, p)
	if err != nil {
		return err
	}
	printJSON(out, tapView{
		AID:        hex.EncodeToString(res.AID),
		Label:      res.Label,
		MaskedDPAN: res.MaskedDPAN,
		ATC:        res.ATC,
		CID:        fmt.Sprintf("%02X", res.CID),
		Cryptogram: hex.EncodeToString(res.Cryptogram),
		IAD:        hex.EncodeToString(res.IAD),
	})
	return nil
}
