package model

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// Card is the user-supplied card; it lives only until it is sealed for the network.
type Card struct {
	PAN            string `cbor:"1,keyasint"`
	Expiry         string `cbor:"2,keyasint"` // MM/YY
	CardholderName string `cbor:"3,keyasint,omitempty"`
}

var reMMYY = regexp.MustCompile(`^\d{2}/\d{2}$`)

// Validate checks PAN length/digits/Luhn and MM/YY expiry.
func (c Card) Validate() error {
	pan := NormalizePAN(c.PAN)
	if len(pan) < 13 || len(pan) > 19 {
		return errors.New("validation: pan length")
	}
	if !luhn(pan) {
		return errors.New("validation: pan checksum")
	}
	if !reMMYY.MatchString(c.Expiry) {
		return errors.New("validation: expiry format")
	}
	mm, _ := strconv.Atoi(c.Expiry[:2])
	if mm < 1 || mm > 12 {
		return errors.New("validation: expiry month")
	}
	return nil
}

// Masked returns the display value, first six and last four digits kept.
func (c Card) Masked() string { return MaskPAN(c.PAN) }

// NormalizePAN strips spaces and dashes.
func NormalizePAN(pan string) string {
	return strings.NewReplacer(" ", "", "-", "").Replace(pan)
}

// MaskPAN masks all but the first six and last four digits.
func MaskPAN(pan string) string {
	pan = NormalizePAN(pan)
	if len(pan) <= 10 {
		return strings.Repeat("*", len(pan))
	}
	return pan[:6] + strings.Repeat("*", len(pan)-10) + pan[len(pan)-4:]
}

func luhn(num string) bool {
	sum, alt := 0, false
	for i := len(num) - 1; i >= 0; i-- {
		c := int(num[i] - '0')
		if c < 0 || c > 9 {
			return false
		}
		if alt {
			c *= 2
			if c > 9 {
				c -= 9
			}
		}
		sum += c
		alt = !alt
	}
	return sum%10 == 0
}
