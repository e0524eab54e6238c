package apdu

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/tap-wallet/internal/errs"
)

func unhex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestParseCommand_Cases(t *testing.T) {
	t.Parallel()

	c, err := ParseCommand(unhex(t, "00A40400"))
	require.NoError(t, err)
	require.Equal(t, InsSelect, c.INS)
	require.False(t, c.HasLe)
	require.Empty(t, c.Data)

	c, err = ParseCommand(unhex(t, "00B2010C00"))
	require.NoError(t, err)
	require.True(t, c.HasLe)
	require.Equal(t, 256, c.Le)

	c, err = ParseCommand(unhex(t, "80AE80000401020304"))
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, c.Data)
	require.False(t, c.HasLe)

	ppse := "00A404000E325041592E5359532E444446303100"
	c, err = ParseCommand(unhex(t, ppse))
	require.NoError(t, err)
	require.Equal(t, "2PAY.SYS.DDF01", string(c.Data))
	require.True(t, c.HasLe)
	require.Equal(t, unhex(t, ppse), c.Bytes())
}

func TestParseCommand_Malformed(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "00", "00A404", "00A404000E3250", "00A404000001", "00A40400020102030405"} {
		_, err := ParseCommand(unhex(t, in))
		require.ErrorIs(t, err, errs.ErrMalformedAPDU, in)
	}
}

func TestResponse_RoundTrip(t *testing.T) {
	t.Parallel()

	r := OK([]byte{0xAA})
	require.Equal(t, []byte{0xAA, 0x90, 0x00}, r.Bytes())
	back, err := ParseResponse(r.Bytes())
	require.NoError(t, err)
	require.Equal(t, SWSuccess, back.SW)
	require.Equal(t, []byte{0xAA}, back.Data)

	require.Equal(t, []byte{0x6A, 0x82}, Status(SWFileNotFound).Bytes())
	_, err = ParseResponse([]byte{0x90})
	require.ErrorIs(t, err, errs.ErrMalformedAPDU)
}

func TestTLV_ParseFindAndPadding(t *testing.T) {
	t.Parallel()

	fci := Constructed(TagFCI,
		Encode(TagDFName, []byte("2PAY.SYS.DDF01")),
		Constructed(TagFCIProprietary,
			Constructed(TagFCIDiscretionary,
				Constructed(TagDirectoryEntry,
					Encode(TagAID, unhex(t, "A0000000031010")),
					Encode(TagAppLabel, []byte("VISA")),
				),
			),
		),
	)
	// padding and an unknown proprietary tag must not break parsing
	buf := append([]byte{0x00, 0xFF}, fci...)
	buf = append(buf, Encode(Tag(0xDF7F), []byte{1})...)

	v, ok, err := Find(buf, TagAID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, unhex(t, "A0000000031010"), v)

	_, ok, err = Find(buf, TagPDOL)
	require.NoError(t, err)
	require.False(t, ok)

	all, err := FindAll(buf, TagAppLabel)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestTLV_LongLengthsAndMultiByteTags(t *testing.T) {
	t.Parallel()

	big := make([]byte, 300)
	enc := Encode(TagRecordTemplate, big)
	require.Equal(t, []byte{0x70, 0x82, 0x01, 0x2C}, enc[:4])
	items, err := Parse(enc)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Len(t, items[0].Value, 300)

	mid := Encode(TagPDOL, make([]byte, 200))
	require.Equal(t, []byte{0x9F, 0x38, 0x81, 0xC8}, mid[:4])

	require.True(t, TagFCIDiscretionary.Constructed())
	require.False(t, TagAC.Constructed())
}

func TestTLV_Malformed(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		"5A08411111",     // value truncated
		"9F",             // tag truncated
		"5A",             // length missing
		"5A84FFFFFFFF01", // unsupported length form
	} {
		_, err := Parse(unhex(t, in))
		require.ErrorIs(t, err, errs.ErrMalformedAPDU, in)
	}
}

func TestDOL_ParseSplitBuild(t *testing.T) {
	t.Parallel()

	raw := unhex(t, "9F66049F02069F37045F2A02")
	dol, err := ParseDOL(raw)
	require.NoError(t, err)
	require.Equal(t, DOL{{TagTTQ, 4}, {TagAmountAuthorised, 6}, {TagUnpredictableNumber, 4}, {TagCurrencyCode, 2}}, dol)
	require.Equal(t, 16, dol.Len())
	require.Equal(t, raw, dol.Bytes())

	data := dol.Build(map[Tag][]byte{
		TagAmountAuthorised:    {0x12, 0x34},
		TagUnpredictableNumber: {0xDE, 0xAD, 0xBE, 0xEF, 0x01},
	})
	require.Len(t, data, 16)
	vals, err := dol.Split(data)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 0}, vals[TagTTQ])
	require.Equal(t, []byte{0, 0, 0, 0, 0x12, 0x34}, vals[TagAmountAuthorised])
	require.Equal(t, []byte{0xAD, 0xBE, 0xEF, 0x01}, vals[TagUnpredictableNumber])

	_, err = dol.Split(data[:10])
	require.ErrorIs(t, err, errs.ErrMalformedAPDU)
}

func TestAFL(t *testing.T) {
	t.Parallel()

	afl := []AFLEntry{{SFI: 1, First: 1, Last: 2, ODA: 0}, {SFI: 2, First: 1, Last: 1, ODA: 1}}
	enc := EncodeAFL(afl)
	require.Equal(t, unhex(t, "0801020010010101"), enc)
	back, err := ParseAFL(enc)
	require.NoError(t, err)
	require.Equal(t, afl, back)

	for _, in := range []string{"", "080102", "00010200", "08020100", "08010203"} {
		_, err := ParseAFL(unhex(t, in))
		require.ErrorIs(t, err, errs.ErrMalformedAPDU, in)
	}
}

func TestCommandBuilders(t *testing.T) {
	t.Parallel()

	require.Equal(t, unhex(t, "00B2010C00"), ReadRecord(1, 1).Bytes())
	gpo := GetProcessingOptions([]byte{1, 2}).Bytes()
	require.Equal(t, unhex(t, "80A80000048302010200"), gpo)
	gac := GenerateAC(CryptogramARQC, []byte{9}).Bytes()
	require.Equal(t, unhex(t, "80AE8000010900"), gac)
}

func TestPANRoundTrip(t *testing.T) {
	t.Parallel()
	for _, pan := range []string{"4111111111111111", "411111******1111", "5555555555554", "489537*****1234"} {
		b, err := EncodePAN(pan)
		require.NoError(t, err)
		require.Len(t, b, (len(pan)+1)/2)
		got, err := DecodePAN(b)
		require.NoError(t, err)
		require.Equal(t, pan, got)
	}

	b, err := EncodePAN("411111******1111")
	require.NoError(t, err)
	require.Equal(t, []byte{0x41, 0x11, 0x11, 0xAA, 0xAA, 0xAA, 0x11, 0x11}, b)

	_, err = EncodePAN("4111-11")
	require.Error(t, err)
	_, err = DecodePAN([]byte{0x4F, 0x11})
	require.ErrorIs(t, err, errs.ErrMalformedAPDU)
}
