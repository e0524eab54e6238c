// Package emv answers a contactless terminal's command sequence for one tap:
// SELECT PPSE, SELECT AID, GET PROCESSING OPTIONS, READ RECORD and GENERATE AC.
package emv

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/tap-wallet/internal/apdu"
	"github.com/and161185/tap-wallet/internal/errs"
	"github.com/and161185/tap-wallet/internal/model"
	"github.com/and161185/tap-wallet/internal/token"
)

// DefaultBudget is the per-command processing budget.
const DefaultBudget = 500 * time.Millisecond

// PPSE is the proximity payment system environment name.
var PPSE = []byte("2PAY.SYS.DDF01")

// App is a payment application the wallet advertises in the PPSE.
type App struct {
	AID      []byte
	Label    string
	Priority byte
}

// DefaultApps lists the applications advertised when none are configured.
var DefaultApps = []App{
	{AID: []byte{0xA0, 0x00, 0x00, 0x00, 0x03, 0x10, 0x10}, Label: "VISA", Priority: 1},
	{AID: []byte{0xA0, 0x00, 0x00, 0x00, 0x04, 0x10, 0x10}, Label: "MASTERCARD", Priority: 2},
}

// ParseAID decodes a hex AID (5 to 16 bytes).
func ParseAID(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) < 5 || len(b) > 16 {
		return nil, fmt.Errorf("%w: aid %q", errs.ErrInvalidInput, s)
	}
	return b, nil
}

// Tokens is the read-only token capability used during a tap.
type Tokens interface {
	LookupActive(ctx context.Context, tokenRef string) (*token.ActiveToken, error)
	GenerateAC(ctx context.Context, at *token.ActiveToken, data []byte) (uint16, []byte, error)
}

// Gate reports whether the device passed its startup security check.
type Gate interface {
	Check() error
}

type state int

const (
	stateIdle state = iota
	stateSelectedPPSE
	stateSelectedAID
	stateGPODone
	stateRecordsRead
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "IDLE"
	case stateSelectedPPSE:
		return "SELECTED_PPSE"
	case stateSelectedAID:
		return "SELECTED_AID"
	case stateGPODone:
		return "GPO_DONE"
	case stateRecordsRead:
		return "RECORDS_READ"
	}
	return "UNKNOWN"
}

var (
	pdol = apdu.DOL{
		{Tag: apdu.TagTTQ, Len: 4},
		{Tag: apdu.TagAmountAuthorised, Len: 6},
		{Tag: apdu.TagAmountOther, Len: 6},
		{Tag: apdu.TagCountryCode, Len: 2},
		{Tag: apdu.TagTVR, Len: 5},
		{Tag: apdu.TagCurrencyCode, Len: 2},
		{Tag: apdu.TagTransactionDate, Len: 3},
		{Tag: apdu.TagTransactionType, Len: 1},
		{Tag: apdu.TagUnpredictableNumber, Len: 4},
	}
	cdol1 = apdu.DOL{
		{Tag: apdu.TagAmountAuthorised, Len: 6},
		{Tag: apdu.TagAmountOther, Len: 6},
		{Tag: apdu.TagCountryCode, Len: 2},
		{Tag: apdu.TagTVR, Len: 5},
		{Tag: apdu.TagCurrencyCode, Len: 2},
		{Tag: apdu.TagTransactionDate, Len: 3},
		{Tag: apdu.TagTransactionType, Len: 1},
		{Tag: apdu.TagUnpredictableNumber, Len: 4},
	}
	afl = []apdu.AFLEntry{{SFI: 1, First: 1, Last: 2, ODA: 0}}
	aip = []byte{0x00, 0x80}
	iad = []byte{0x06, 0x01, 0x0A, 0x03, 0xA0, 0x00, 0x00}
)

// Engine is a card emulation for one NFC field. Commands are processed one at a time.
type Engine struct {
	tokens Tokens
	gate   Gate
	log    *zap.Logger
	apps   []App
	budget time.Duration

	mu       sync.Mutex
	tokenRef string
	st       state
	app      *App
	active   *token.ActiveToken
	txn      *model.TransactionContext
	read     map[[2]byte]bool
}

// Option configures an Engine.
type Option func(*Engine)

func WithApps(apps []App) Option {
	return func(e *Engine) {
		if len(apps) > 0 {
			e.apps = apps
		}
	}
}

func WithBudget(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.budget = d
		}
	}
}

func New(tokens Tokens, gate Gate, log *zap.Logger, opts ...Option) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{tokens: tokens, gate: gate, log: log, apps: DefaultApps, budget: DefaultBudget}
	for _, o := range opts {
		o(e)
	}
	return e
}

// UseToken selects the token presented on the next tap.
func (e *Engine) UseToken(tokenRef string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tokenRef = tokenRef
	e.reset()
}

// FieldLost drops any transaction in progress.
func (e *Engine) FieldLost() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.st != stateIdle {
		e.log.Info("field lost", zap.String("state", e.st.String()))
	}
	e.reset()
}

// Reset is FieldLost without the log line.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reset()
}

func (e *Engine) reset() {
	e.st = stateIdle
	e.app = nil
	e.active = nil
	e.txn = nil
	e.read = nil
}

// Process handles one command APDU and returns the response APDU.
// Any non-9000 answer ends the transaction and returns the engine to IDLE.
func (e *Engine) Process(ctx context.Context, raw []byte) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	resp := e.dispatch(ctx, raw)
	if d := time.Since(start); d > e.budget {
		e.log.Warn("apdu over budget", zap.Duration("dur", d), zap.Duration("budget", e.budget))
	}
	if resp.SW != apdu.SWSuccess {
		e.reset()
	}
	return resp.Bytes()
}

func (e *Engine) dispatch(ctx context.Context, raw []byte) apdu.Response {
	cmd, err := apdu.ParseCommand(raw)
	if err != nil {
		e.log.Info("malformed apdu", zap.Error(err))
		return apdu.Status(apdu.SWWrongLength)
	}
	if err := e.gate.Check(); err != nil {
		e.log.Warn("tap refused", zap.Error(err))
		return apdu.Status(apdu.SWConditionsNotSatisfied)
	}

	switch {
	case cmd.CLA == apdu.ClaISO && cmd.INS == apdu.InsSelect:
		return e.selectFile(ctx, cmd)
	case cmd.CLA == apdu.ClaProprietary && cmd.INS == apdu.InsGPO:
		return e.gpo(cmd)
	case cmd.CLA == apdu.ClaISO && cmd.INS == apdu.InsReadRecord:
		return e.readRecord(cmd)
	case cmd.CLA == apdu.ClaProprietary && cmd.INS == apdu.InsGenerateAC:
		return e.generateAC(ctx, cmd)
	case cmd.CLA != apdu.ClaISO && cmd.CLA != apdu.ClaProprietary:
		return apdu.Status(apdu.SWClaNotSupported)
	default:
		return apdu.Status(apdu.SWInsNotSupported)
	}
}

func (e *Engine) selectFile(ctx context.Context, cmd apdu.Command) apdu.Response {
	if cmd.P1 != 0x04 {
		return apdu.Status(apdu.SWIncorrectP1P2)
	}
	if bytes.Equal(cmd.Data, PPSE) {
		e.reset()
		e.st = stateSelectedPPSE
		e.txn = &model.TransactionContext{}
		return apdu.OK(e.ppseFCI())
	}

	if e.st != stateSelectedPPSE {
		return apdu.Status(apdu.SWConditionsNotSatisfied)
	}
	app := e.findApp(cmd.Data)
	if app == nil {
		e.log.Info("unknown aid", zap.String("aid", hex.EncodeToString(cmd.Data)))
		return apdu.Status(apdu.SWFileNotFound)
	}
	at, err := e.tokens.LookupActive(ctx, e.tokenRef)
	if err != nil {
		e.log.Info("tap declined", zap.String("token", e.tokenRef), zap.Error(err))
		return apdu.Status(apdu.SWFunctionNotSupported)
	}

	e.app = app
	e.active = at
	e.txn.TerminalAID = app.AID
	e.st = stateSelectedAID
	return apdu.OK(apdu.Constructed(apdu.TagFCI,
		apdu.Encode(apdu.TagDFName, app.AID),
		apdu.Constructed(apdu.TagFCIProprietary,
			apdu.Encode(apdu.TagAppLabel, []byte(app.Label)),
			apdu.Encode(apdu.TagPriority, []byte{app.Priority}),
			apdu.Encode(apdu.TagPDOL, pdol.Bytes()),
			apdu.Encode(apdu.TagLanguagePreference, []byte("en")),
		),
	))
}

func (e *Engine) ppseFCI() []byte {
	entries := make([][]byte, 0, len(e.apps))
	for _, a := range e.apps {
		entries = append(entries, apdu.Constructed(apdu.TagDirectoryEntry,
			apdu.Encode(apdu.TagAID, a.AID),
			apdu.Encode(apdu.TagAppLabel, []byte(a.Label)),
			apdu.Encode(apdu.TagPriority, []byte{a.Priority}),
		))
	}
	return apdu.Constructed(apdu.TagFCI,
		apdu.Encode(apdu.TagDFName, PPSE),
		apdu.Constructed(apdu.TagFCIProprietary,
			apdu.Constructed(apdu.TagFCIDiscretionary, entries...),
		),
	)
}

func (e *Engine) findApp(aid []byte) *App {
	for i := range e.apps {
		if bytes.Equal(e.apps[i].AID, aid) {
			return &e.apps[i]
		}
	}
	return nil
}

func (e *Engine) gpo(cmd apdu.Command) apdu.Response {
	if e.st != stateSelectedAID {
		return apdu.Status(apdu.SWConditionsNotSatisfied)
	}
	data, ok, err := apdu.Find(cmd.Data, apdu.TagCommandTemplate)
	if err != nil || !ok {
		return apdu.Status(apdu.SWWrongData)
	}
	if _, err := pdol.Split(data); err != nil {
		return apdu.Status(apdu.SWWrongLength)
	}

	e.txn.PDOLData = append([]byte(nil), data...)
	e.read = map[[2]byte]bool{}
	e.st = stateGPODone
	return apdu.OK(apdu.Constructed(apdu.TagResponseTemplate2,
		apdu.Encode(apdu.TagAIP, aip),
		apdu.Encode(apdu.TagAFL, apdu.EncodeAFL(afl)),
	))
}

func (e *Engine) readRecord(cmd apdu.Command) apdu.Response {
	if e.st != stateGPODone && e.st != stateRecordsRead {
		return apdu.Status(apdu.SWConditionsNotSatisfied)
	}
	if cmd.P2&0x07 != 0x04 {
		return apdu.Status(apdu.SWIncorrectP1P2)
	}
	sfi, rec := cmd.P2>>3, cmd.P1
	body, err := e.record(sfi, rec)
	if err != nil {
		e.log.Info("read record", zap.Uint8("sfi", sfi), zap.Uint8("rec", rec), zap.Error(err))
		return apdu.Status(apdu.SWRecordNotFound)
	}

	e.read[[2]byte{sfi, rec}] = true
	if e.allRead() {
		e.st = stateRecordsRead
	}
	return apdu.OK(body)
}

func (e *Engine) record(sfi, rec byte) ([]byte, error) {
	switch {
	case sfi == 1 && rec == 1:
		pan, err := apdu.EncodePAN(e.active.Token.MaskedDPAN)
		if err != nil {
			return nil, err
		}
		return apdu.Constructed(apdu.TagRecordTemplate,
			apdu.Encode(apdu.TagPAN, pan),
			apdu.Encode(apdu.TagPANSequence, []byte{0x01}),
			apdu.Encode(apdu.TagAppVersion, []byte{0x00, 0x02}),
		), nil
	case sfi == 1 && rec == 2:
		return apdu.Constructed(apdu.TagRecordTemplate,
			apdu.Encode(apdu.TagCDOL1, cdol1.Bytes()),
			apdu.Encode(apdu.TagAUC, []byte{0xFF, 0x00}),
		), nil
	}
	return nil, errors.New("no such record")
}

func (e *Engine) allRead() bool {
	for _, a := range afl {
		for r := a.First; r <= a.Last; r++ {
			if !e.read[[2]byte{a.SFI, r}] {
				return false
			}
		}
	}
	return true
}

func (e *Engine) generateAC(ctx context.Context, cmd apdu.Command) apdu.Response {
	if e.st != stateRecordsRead {
		return apdu.Status(apdu.SWConditionsNotSatisfied)
	}
	if len(cmd.Data) != cdol1.Len() {
		return apdu.Status(apdu.SWWrongLength)
	}
	cid := cmd.P1 & apdu.CryptogramMask
	switch cid {
	case apdu.CryptogramAAC, apdu.CryptogramARQC:
	case apdu.CryptogramTC:
		cid = apdu.CryptogramARQC // online-only: offline approval is never granted
	default:
		return apdu.Status(apdu.SWIncorrectP1P2)
	}

	input := make([]byte, 0, len(e.txn.PDOLData)+len(cmd.Data)+1)
	input = append(input, e.txn.PDOLData...)
	input = append(input, cmd.Data...)
	input = append(input, cid)
	atc, ac, err := e.tokens.GenerateAC(ctx, e.active, input)
	if err != nil {
		e.log.Warn("generate ac", zap.String("token", e.active.Token.TokenRef), zap.Error(err))
		return apdu.Status(apdu.SWConditionsNotSatisfied)
	}
	e.txn.TransactionCounter = atc

	e.log.Info("cryptogram issued",
		zap.String("token", e.active.Token.TokenRef),
		zap.String("aid", hex.EncodeToString(e.txn.TerminalAID)),
		zap.Uint16("atc", atc),
		zap.Uint8("cid", cid),
	)
	resp := apdu.OK(apdu.Constructed(apdu.TagResponseTemplate2,
		apdu.Encode(apdu.TagCID, []byte{cid}),
		apdu.Encode(apdu.TagATC, []byte{byte(atc >> 8), byte(atc)}),
		apdu.Encode(apdu.TagAC, ac),
		apdu.Encode(apdu.TagIAD, iad),
	))
	e.reset()
	return resp
}
