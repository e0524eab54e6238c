package apdu

import (
	"fmt"

	"github.com/and161185/tap-wallet/internal/errs"
)

// Tag is a BER-TLV tag, one to three bytes packed big-endian.
type Tag uint32

// EMV tags used by the wallet kernel.
const (
	TagAID                  Tag = 0x4F
	TagAppLabel             Tag = 0x50
	TagTrack2               Tag = 0x57
	TagPAN                  Tag = 0x5A
	TagRecordTemplate       Tag = 0x70
	TagResponseTemplate2    Tag = 0x77
	TagAIP                  Tag = 0x82
	TagCommandTemplate      Tag = 0x83
	TagDFName               Tag = 0x84
	TagPriority             Tag = 0x87
	TagCDOL1                Tag = 0x8C
	TagAFL                  Tag = 0x94
	TagTVR                  Tag = 0x95
	TagTransactionDate      Tag = 0x9A
	TagTransactionType      Tag = 0x9C
	TagFCI                  Tag = 0x6F
	TagFCIProprietary       Tag = 0xA5
	TagDirectoryEntry       Tag = 0x61
	TagFCIDiscretionary     Tag = 0xBF0C
	TagPANSequence          Tag = 0x5F34
	TagCurrencyCode         Tag = 0x5F2A
	TagExpiry               Tag = 0x5F24
	TagAmountAuthorised     Tag = 0x9F02
	TagAmountOther          Tag = 0x9F03
	TagAUC                  Tag = 0x9F07
	TagAppVersion           Tag = 0x9F08
	TagIAD                  Tag = 0x9F10
	TagCountryCode          Tag = 0x9F1A
	TagAC                   Tag = 0x9F26
	TagCID                  Tag = 0x9F27
	TagATC                  Tag = 0x9F36
	TagUnpredictableNumber  Tag = 0x9F37
	TagPDOL                 Tag = 0x9F38
	TagTTQ                  Tag = 0x9F66
	TagLanguagePreference   Tag = 0x5F2D
	TagIssuerCodeTableIndex Tag = 0x9F11
)

// Bytes returns the tag encoding.
func (t Tag) Bytes() []byte {
	switch {
	case t > 0xFFFF:
		return []byte{byte(t >> 16), byte(t >> 8), byte(t)}
	case t > 0xFF:
		return []byte{byte(t >> 8), byte(t)}
	default:
		return []byte{byte(t)}
	}
}

// Constructed reports whether the tag's first byte has the constructed bit.
func (t Tag) Constructed() bool { return t.Bytes()[0]&0x20 != 0 }

func (t Tag) String() string { return fmt.Sprintf("%X", t.Bytes()) }

// TLV is one decoded data object.
type TLV struct {
	Tag   Tag
	Value []byte
}

// Parse decodes a flat sequence of data objects. Padding bytes 00 and FF between objects are skipped.
func Parse(b []byte) ([]TLV, error) {
	var out []TLV
	for len(b) > 0 {
		if b[0] == 0x00 || b[0] == 0xFF {
			b = b[1:]
			continue
		}
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
		if l > len(b) {
			return nil, fmt.Errorf("%w: tag %s wants %d bytes, have %d", errs.ErrMalformedAPDU, tag, l, len(b))
		}
		out = append(out, TLV{Tag: tag, Value: b[:l]})
		b = b[l:]
	}
	return out, nil
}

// Find returns the first value for tag, descending into constructed objects.
// Unknown tags are ignored; only malformed encodings fail.
func Find(b []byte, tag Tag) ([]byte, bool, error) {
	items, err := Parse(b)
	if err != nil {
		return nil, false, err
	}
	for _, it := range items {
		if it.Tag == tag {
			return it.Value, true, nil
		}
		if it.Tag.Constructed() {
			v, ok, err := Find(it.Value, tag)
			if err != nil {
				return nil, false, err
			}
			if ok {
				return v, true, nil
			}
		}
	}
	return nil, false, nil
}

// FindAll returns every value for tag at any depth, in document order.
func FindAll(b []byte, tag Tag) ([][]byte, error) {
	items, err := Parse(b)
	if err != nil {
		return nil, err
	}
	var out [][]byte
	for _, it := range items {
		if it.Tag == tag {
			out = append(out, it.Value)
			continue
		}
		if it.Tag.Constructed() {
			sub, err := FindAll(it.Value, tag)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		}
	}
	return out, nil
}

// Encode builds tag || length || value.
func Encode(tag Tag, value []byte) []byte {
	tb := tag.Bytes()
	lb := encodeLength(len(value))
	out := make([]byte, 0, len(tb)+len(lb)+len(value))
	out = append(out, tb...)
	out = append(out, lb...)
	return append(out, value...)
}

// Constructed concatenates already encoded children under tag.
func Constructed(tag Tag, children ...[]byte) []byte {
	var n int
	for _, c := range children {
		n += len(c)
	}
	v := make([]byte, 0, n)
	for _, c := range children {
		v = append(v, c...)
	}
	return Encode(tag, v)
}

func encodeLength(n int) []byte {
	switch {
	case n < 0x80:
		return []byte{byte(n)}
	case n <= 0xFF:
		return []byte{0x81, byte(n)}
	default:
		return []byte{0x82, byte(n >> 8), byte(n)}
	}
}

func readTag(b []byte) (Tag, int, error) {
	t := Tag(b[0])
	if b[0]&0x1F != 0x1F {
		return t, 1, nil
	}
	for i := 1; i < len(b); i++ {
		if i > 2 {
			return 0, 0, fmt.Errorf("%w: tag longer than 3 bytes", errs.ErrMalformedAPDU)
		}
		t = t<<8 | Tag(b[i])
		if b[i]&0x80 == 0 {
			return t, i + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: truncated tag", errs.ErrMalformedAPDU)
}

func readLength(b []byte) (int, int, error) {
	if len(b) == 0 {
		return 0, 0, fmt.Errorf("%w: missing length", errs.ErrMalformedAPDU)
	}
	if b[0] < 0x80 {
		return int(b[0]), 1, nil
	}
	n := int(b[0] & 0x7F)
	if n == 0 || n > 3 {
		return 0, 0, fmt.Errorf("%w: length form %02X", errs.ErrMalformedAPDU, b[0])
	}
	if len(b) < 1+n {
		return 0, 0, fmt.Errorf("%w: truncated length", errs.ErrMalformedAPDU)
	}
	l := 0
	for _, c := range b[1 : 1+n] {
		l = l<<8 | int(c)
	}
	return l, 1 + n, nil
}
