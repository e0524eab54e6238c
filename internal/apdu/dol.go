package apdu

import (
	"fmt"

	"github.com/and161185/tap-wallet/internal/errs"
)

// DOLEntry is one tag/length pair of a data object list (PDOL, CDOL).
type DOLEntry struct {
	Tag Tag
	Len int
}

// DOL is an ordered data object list.
type DOL []DOLEntry

// ParseDOL decodes a data object list (tags and lengths, no values).
func ParseDOL(b []byte) (DOL, error) {
	var out DOL
	for len(b) > 0 {
		tag, n, err := readTag(b)
		if err != nil {
			return nil, err
		}
		b = b[n:]
		l, n, err := readLength(b)
		if err != nil {
			return nil, err
		}
		b = b[n:]
		out = append(out, DOLEntry{Tag: tag, Len: l})
	}
	return out, nil
}

// Bytes encodes the list.
func (d DOL) Bytes() []byte {
	var out []byte
	for _, e := range d {
		out = append(out, e.Tag.Bytes()...)
		out = append(out, encodeLength(e.Len)...)
	}
	return out
}

// Len is the total size of the concatenated values.
func (d DOL) Len() int {
	n := 0
	for _, e := range d {
		n += e.Len
	}
	return n
}

// Split cuts concatenated DOL data into per-tag values. The data length must match exactly.
func (d DOL) Split(data []byte) (map[Tag][]byte, error) {
	if len(data) != d.Len() {
		return nil, fmt.Errorf("%w: dol data %d bytes, want %d", errs.ErrMalformedAPDU, len(data), d.Len())
	}
	out := make(map[Tag][]byte, len(d))
	off := 0
	for _, e := range d {
		out[e.Tag] = data[off : off+e.Len]
		off += e.Len
	}
	return out, nil
}

// Build concatenates values in list order; missing values are zero-filled,
// short values are left-padded with zeros and long values keep their rightmost bytes.
func (d DOL) Build(values map[Tag][]byte) []byte {
	out := make([]byte, 0, d.Len())
	for _, e := range d {
		v := values[e.Tag]
		switch {
		case len(v) >= e.Len:
			out = append(out, v[len(v)-e.Len:]...)
		default:
			out = append(out, make([]byte, e.Len-len(v))...)
			out = append(out, v...)
		}
	}
	return out
}

// AFLEntry is one Application File Locator entry.
type AFLEntry struct {
	SFI   byte
	First byte
	Last  byte
	ODA   byte // records participating in offline data authentication
}

// ParseAFL decodes 4-byte AFL entries.
func ParseAFL(b []byte) ([]AFLEntry, error) {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: afl length %d", errs.ErrMalformedAPDU, len(b))
	}
	out := make([]AFLEntry, 0, len(b)/4)
	for i := 0; i < len(b); i += 4 {
		e := AFLEntry{SFI: b[i] >> 3, First: b[i+1], Last: b[i+2], ODA: b[i+3]}
		if e.SFI == 0 || e.SFI > 30 || e.First == 0 || e.Last < e.First || int(e.ODA) > int(e.Last-e.First)+1 {
			return nil, fmt.Errorf("%w: afl entry %X", errs.ErrMalformedAPDU, b[i:i+4])
		}
		out = append(out, e)
	}
	return out, nil
}

// EncodeAFL encodes AFL entries.
func EncodeAFL(entries []AFLEntry) []byte {
	out := make([]byte, 0, 4*len(entries))
	for _, e := range entries {
		out = append(out, e.SFI<<3, e.First, e.Last, e.ODA)
	}
	return out
}
