package apdu

import (
	"fmt"
	"strings"

	"github.com/and161185/tap-wallet/internal/errs"
)

// EncodePAN packs a (possibly masked) PAN as BCD for tag 5A.
// Masked digits are encoded as nibble A; an odd length is padded with F.
func EncodePAN(pan string) ([]byte, error) {
	if len(pan)%2 == 1 {
		pan += "F"
	}
	out := make([]byte, len(pan)/2)
	for i := 0; i < len(pan); i++ {
		var n byte
		switch c := pan[i]; {
		case c >= '0' && c <= '9':
			n = c - '0'
		case c == '*':
			n = 0xA
		case c == 'F' && i == len(pan)-1:
			n = 0xF
		default:
			return nil, fmt.Errorf("pan: invalid character %q", c)
		}
		if i%2 == 0 {
			out[i/2] = n << 4
		} else {
			out[i/2] |= n
		}
	}
	return out, nil
}

// DecodePAN reverses EncodePAN.
func DecodePAN(b []byte) (string, error) {
	var sb strings.Builder
	for i, x := range b {
		for j, n := range []byte{x >> 4, x & 0x0F} {
			switch {
			case n <= 9:
				sb.WriteByte('0' + n)
			case n == 0xA:
				sb.WriteByte('*')
			case n == 0xF && i == len(b)-1 && j == 1:
			default:
				return "", fmt.Errorf("%w: pan nibble %X", errs.ErrMalformedAPDU, n)
			}
		}
	}
	return sb.String(), nil
}
