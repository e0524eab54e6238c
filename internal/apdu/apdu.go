// Package apdu encodes and decodes ISO 7816-4 / EMV command and response APDUs.
package apdu

import (
	"fmt"

	"github.com/and161185/tap-wallet/internal/errs"
)

// Status words used by the contactless kernel.
const (
	SWSuccess                uint16 = 0x9000
	SWWrongLength            uint16 = 0x6700
	SWSecurityNotSatisfied   uint16 = 0x6982
	SWConditionsNotSatisfied uint16 = 0x6985
	SWWrongData              uint16 = 0x6A80
	SWFunctionNotSupported   uint16 = 0x6A81
	SWFileNotFound           uint16 = 0x6A82
	SWRecordNotFound         uint16 = 0x6A83
	SWIncorrectP1P2          uint16 = 0x6A86
	SWInsNotSupported        uint16 = 0x6D00
	SWClaNotSupported        uint16 = 0x6E00
)

// Instruction bytes.
const (
	InsSelect      byte = 0xA4
	InsReadRecord  byte = 0xB2
	InsGPO         byte = 0xA8
	InsGenerateAC  byte = 0xAE
	ClaISO         byte = 0x00
	ClaProprietary byte = 0x80
)

// Reference control parameter (GENERATE AC P1) cryptogram types.
const (
	CryptogramAAC  byte = 0x00
	CryptogramTC   byte = 0x40
	CryptogramARQC byte = 0x80
	CryptogramMask byte = 0xC0
)

// Command is a short-form command APDU.
type Command struct {
	CLA, INS, P1, P2 byte
	Data             []byte
	Le               int // 1..256, meaningful when HasLe
	HasLe            bool
}

// ParseCommand decodes a short APDU (cases 1 to 4). Extended length is rejected.
func ParseCommand(b []byte) (Command, error) {
	if len(b) < 4 {
		return Command{}, fmt.Errorf("%w: header %d bytes", errs.ErrMalformedAPDU, len(b))
	}
	c := Command{CLA: b[0], INS: b[1], P1: b[2], P2: b[3]}
	body := b[4:]
	switch {
	case len(body) == 0:
		return c, nil
	case len(body) == 1:
		c.Le, c.HasLe = leValue(body[0]), true
		return c, nil
	}
	lc := int(body[0])
	if lc == 0 {
		return Command{}, fmt.Errorf("%w: extended length", errs.ErrMalformedAPDU)
	}
	switch len(body) {
	case 1 + lc:
	case 2 + lc:
		c.Le, c.HasLe = leValue(body[1+lc]), true
	default:
		return Command{}, fmt.Errorf("%w: lc=%d body=%d", errs.ErrMalformedAPDU, lc, len(body))
	}
	c.Data = append([]byte(nil), body[1:1+lc]...)
	return c, nil
}

func leValue(b byte) int {
	if b == 0 {
		return 256
	}
	return int(b)
}

// Bytes encodes the command.
func (c Command) Bytes() []byte {
	out := make([]byte, 0, 6+len(c.Data))
	out = append(out, c.CLA, c.INS, c.P1, c.P2)
	if len(c.Data) > 0 {
		out = append(out, byte(len(c.Data)))
		out = append(out, c.Data...)
	}
	if c.HasLe {
		out = append(out, byte(c.Le)) // 256 -> 0x00
	}
	return out
}

// Response is a response APDU.
type Response struct {
	Data []byte
	SW   uint16
}

// Status builds a data-less response.
func Status(sw uint16) Response { return Response{SW: sw} }

// OK wraps data with 9000.
func OK(data []byte) Response { return Response{Data: data, SW: SWSuccess} }

// Bytes encodes data followed by SW1 SW2.
func (r Response) Bytes() []byte {
	out := make([]byte, 0, len(r.Data)+2)
	out = append(out, r.Data...)
	return append(out, byte(r.SW>>8), byte(r.SW))
}

// ParseResponse splits a response APDU into data and status word.
func ParseResponse(b []byte) (Response, error) {
	if len(b) < 2 {
		return Response{}, fmt.Errorf("%w: response %d bytes", errs.ErrMalformedAPDU, len(b))
	}
	n := len(b) - 2
	return Response{
		Data: append([]byte(nil), b[:n]...),
		SW:   uint16(b[n])<<8 | uint16(b[n+1]),
	}, nil
}

// SelectByName builds SELECT by DF name (AID or PPSE).
func SelectByName(name []byte) Command {
	return Command{CLA: ClaISO, INS: InsSelect, P1: 0x04, P2: 0x00, Data: name, Le: 256, HasLe: true}
}

// GetProcessingOptions wraps PDOL data in command template 83.
func GetProcessingOptions(pdolData []byte) Command {
	return Command{CLA: ClaProprietary, INS: InsGPO, Data: Encode(TagCommandTemplate, pdolData), Le: 256, HasLe: true}
}

// ReadRecord builds READ RECORD for record rec of short file sfi.
func ReadRecord(sfi, rec byte) Command {
	return Command{CLA: ClaISO, INS: InsReadRecord, P1: rec, P2: sfi<<3 | 0x04, Le: 256, HasLe: true}
}

// GenerateAC builds GENERATE AC with the requested cryptogram type and CDOL1 data.
func GenerateAC(cryptogram byte, cdolData []byte) Command {
	return Command{CLA: ClaProprietary, INS: InsGenerateAC, P1: cryptogram, Data: cdolData, Le: 256, HasLe: true}
}
