// Package terminal simulates a contactless POS terminal driving a complete tap.
package terminal

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/and161185/tap-wallet/internal/apdu"
)

// Card is anything that answers command APDUs.
type Card interface {
	Process(ctx context.Context, cmd []byte) []byte
}

// Params describe the transaction the terminal requests.
type Params struct {
	Amount   uint64 // minor units
	Currency uint16 // ISO 4217 numeric
	Country  uint16 // ISO 3166 numeric
	Type     byte
	Date     time.Time
}

// DefaultParams is a 10.00 USD purchase.
func DefaultParams() Params {
	return Params{Amount: 1000, Currency: 840, Country: 840, Date: time.Now()}
}

// Result is what the terminal learned during the tap.
type Result struct {
	AID        []byte
	Label      string
	MaskedDPAN string
	ATC        uint16
	CID        byte
	Cryptogram []byte
	IAD        []byte
	SWs        []uint16
}

// StatusError reports a non-9000 answer.
type StatusError struct {
	Step string
	SW   uint16
}

func (e *StatusError) Error() string { return fmt.Sprintf("terminal: %s: SW %04X", e.Step, e.SW) }

// Tap runs PPSE, SELECT AID, GPO, READ RECORD and GENERATE AC(ARQC) against card.
func Tap(ctx context.Context, card Card, p Params) (*Result, error) {
	res := &Result{}
	send := func(step string, cmd apdu.Command) ([]byte, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := apdu.ParseResponse(card.Process(ctx, cmd.Bytes()))
		if err != nil {
			return nil, fmt.Errorf("terminal: %s: %w", step, err)
		}
		res.SWs = append(res.SWs, r.SW)
		if r.SW != apdu.SWSuccess {
			return nil, &StatusError{Step: step, SW: r.SW}
		}
		return r.Data, nil
	}

	fci, err := send("select ppse", apdu.SelectByName([]byte("2PAY.SYS.DDF01")))
	if err != nil {
		return res, err
	}
	entries, err := apdu.FindAll(fci, apdu.TagDirectoryEntry)
	if err != nil {
		return res, err
	}
	if len(entries) == 0 {
		return res, fmt.Errorf("terminal: no applications in ppse")
	}
	aid, ok, err := apdu.Find(entries[0], apdu.TagAID)
	if err != nil || !ok {
		return res, fmt.Errorf("terminal: directory entry without aid")
	}
	res.AID = aid
	if label, ok, _ := apdu.Find(entries[0], apdu.TagAppLabel); ok {
		res.Label = string(label)
	}

	fci, err = send("select aid", apdu.SelectByName(aid))
	if err != nil {
		return res, err
	}
	var pdol apdu.DOL
	if raw, ok, err := apdu.Find(fci, apdu.TagPDOL); err != nil {
		return res, err
	} else if ok {
		if pdol, err = apdu.ParseDOL(raw); err != nil {
			return res, err
		}
	}

	values, err := p.values()
	if err != nil {
		return res, err
	}
	gpo, err := send("gpo", apdu.GetProcessingOptions(pdol.Build(values)))
	if err != nil {
		return res, err
	}
	rawAFL, ok, err := apdu.Find(gpo, apdu.TagAFL)
	if err != nil || !ok {
		return res, fmt.Errorf("terminal: gpo without afl")
	}
	afl, err := apdu.ParseAFL(rawAFL)
	if err != nil {
		return res, err
	}

	var cdol apdu.DOL
	for _, a := range afl {
		for rec := a.First; rec <= a.Last; rec++ {
			body, err := send(fmt.Sprintf("read record %d/%d", a.SFI, rec), apdu.ReadRecord(a.SFI, rec))
			if err != nil {
				return res, err
			}
			if pan, ok, _ := apdu.Find(body, apdu.TagPAN); ok {
				if res.MaskedDPAN, err = apdu.DecodePAN(pan); err != nil {
					return res, err
				}
			}
			if raw, ok, _ := apdu.Find(body, apdu.TagCDOL1); ok {
				if cdol, err = apdu.ParseDOL(raw); err != nil {
					return res, err
				}
			}
		}
	}
	if cdol == nil {
		return res, fmt.Errorf("terminal: card did not provide cdol1")
	}

	ac, err := send("generate ac", apdu.GenerateAC(apdu.CryptogramARQC, cdol.Build(values)))
	if err != nil {
		return res, err
	}
	for tag, dst := range map[apdu.Tag]*[]byte{apdu.TagAC: &res.Cryptogram, apdu.TagIAD: &res.IAD} {
		if v, ok, _ := apdu.Find(ac, tag); ok {
			*dst = v
		}
	}
	if v, ok, _ := apdu.Find(ac, apdu.TagCID); ok && len(v) == 1 {
		res.CID = v[0]
	}
	v, ok, _ := apdu.Find(ac, apdu.TagATC)
	if !ok || len(v) != 2 {
		return res, fmt.Errorf("terminal: generate ac without atc")
	}
	res.ATC = uint16(v[0])<<8 | uint16(v[1])
	if len(res.Cryptogram) != 8 {
		return res, fmt.Errorf("terminal: cryptogram length %d", len(res.Cryptogram))
	}
	return res, nil
}

func (p Params) values() (map[apdu.Tag][]byte, error) {
	un := make([]byte, 4)
	if _, err := rand.Read(un); err != nil {
		return nil, err
	}
	date := p.Date
	if date.IsZero() {
		date = time.Now()
	}
	return map[apdu.Tag][]byte{
		apdu.TagTTQ:                 {0x36, 0x00, 0x40, 0x00},
		apdu.TagAmountAuthorised:    bcd(p.Amount, 6),
		apdu.TagAmountOther:         bcd(0, 6),
		apdu.TagCountryCode:         bcd(uint64(p.Country), 2),
		apdu.TagTVR:                 make([]byte, 5),
		apdu.TagCurrencyCode:        bcd(uint64(p.Currency), 2),
		apdu.TagTransactionDate:     bcdDate(date),
		apdu.TagTransactionType:     {p.Type},
		apdu.TagUnpredictableNumber: un,
	}, nil
}

func bcd(n uint64, size int) []byte {
	s := fmt.Sprintf("%0*d", size*2, n)
	b, _ := hex.DecodeString(s[len(s)-size*2:])
	return b
}

func bcdDate(t time.Time) []byte {
	b, _ := hex.DecodeString(t.Format("060102"))
	return b
}
