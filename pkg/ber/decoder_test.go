package ber

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeLen(n int) []byte {
	if n < 0x80 {
		return []byte{byte(n)}
	}
	var octets []byte
	for shift := n; shift > 0; shift >>= 8 {
		octets = append([]byte{byte(shift & 0xff)}, octets...)
	}
	return append([]byte{byte(0x80 | len(octets))}, octets...)
}

func tlv(tag byte, value []byte) []byte {
	out := append([]byte{tag}, encodeLen(len(value))...)
	return append(out, value...)
}

func TestParseRequiresFullConsumption(t *testing.T) {
	data := tlv(0x02, []byte{0x05})
	v, err := Parse(data, ModeDER, func(d *Decoder) (uint64, error) {
		return U64(d)
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v)

	_, err = Parse(append(data, 0x00), ModeDER, func(d *Decoder) (uint64, error) {
		return U64(d)
	})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestSequenceAndSet(t *testing.T) {
	inner := append(tlv(0x02, []byte{0x01}), tlv(0x02, []byte{0x02})...)
	data := tlv(0x30, inner)
	vs, err := Parse(data, ModeDER, func(d *Decoder) ([]uint64, error) {
		return Sequence(d, func(child *Decoder) ([]uint64, error) {
			a, err := U64(child)
			if err != nil {
				return nil, err
			}
			b, err := U64(child)
			if err != nil {
				return nil, err
			}
			return []uint64{a, b}, nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, vs)

	setData := tlv(0x31, inner)
	_, err = Parse(setData, ModeDER, func(d *Decoder) (struct{}, error) {
		return Set(d, func(child *Decoder) (struct{}, error) {
			if _, err := U64(child); err != nil {
				return struct{}{}, err
			}
			if _, err := U64(child); err != nil {
				return struct{}{}, err
			}
			return struct{}{}, nil
		})
	})
	require.NoError(t, err)
}

func TestSequenceRejectsWrongTag(t *testing.T) {
	data := tlv(0x31, tlv(0x02, []byte{0x01}))
	_, err := Parse(data, ModeDER, func(d *Decoder) (struct{}, error) {
		return Sequence(d, func(child *Decoder) (struct{}, error) {
			return struct{}{}, nil
		})
	})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestOptSequenceAbsent(t *testing.T) {
	data := tlv(0x02, []byte{0x07})
	res, err := Parse(data, ModeDER, func(d *Decoder) (uint64, error) {
		opt, err := OptSequence(d, func(child *Decoder) (struct{}, error) {
			return struct{}{}, nil
		})
		require.NoError(t, err)
		assert.Nil(t, opt)
		return U64(d)
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(7), res)
}

func TestConstructedIndefiniteLength(t *testing.T) {
	content := append(tlv(0x02, []byte{0x2a}), []byte{0x00, 0x00}...)
	data := append([]byte{0x30, 0x80}, content...)
	v, err := Parse(data, ModeBER, func(d *Decoder) (uint64, error) {
		return Sequence(d, func(child *Decoder) (uint64, error) {
			return U64(child)
		})
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(42), v)
}

func TestIndefiniteLengthRejectedInDER(t *testing.T) {
	content := append(tlv(0x02, []byte{0x2a}), []byte{0x00, 0x00}...)
	data := append([]byte{0x30, 0x80}, content...)
	_, err := Parse(data, ModeDER, func(d *Decoder) (uint64, error) {
		return Sequence(d, func(child *Decoder) (uint64, error) {
			return U64(child)
		})
	})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Parse(data, ModeDER, func(d *Decoder) (struct{}, error) {
		return struct{}{}, d.SkipAll()
	})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestPrimitiveRejectsConstructed(t *testing.T) {
	data := tlv(0x21, tlv(0x01, []byte{0x01})) // constructed BOOLEAN, never legal
	_, err := Parse(data, ModeDER, func(d *Decoder) (bool, error) {
		return Bool(d)
	})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestOptPrimitiveIfTagMismatch(t *testing.T) {
	data := tlv(0x02, []byte{0x09})
	res, err := Parse(data, ModeDER, func(d *Decoder) (uint64, error) {
		opt, err := OptPrimitiveIf(d, TagBoolean, func(v []byte) (bool, error) {
			return true, nil
		})
		require.NoError(t, err)
		assert.Nil(t, opt)
		return U64(d)
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(9), res)
}

func TestSkipAndSkipAll(t *testing.T) {
	data := append(tlv(0x02, []byte{0x01}), tlv(0x04, []byte{0xaa, 0xbb})...)
	_, err := Parse(data, ModeDER, func(d *Decoder) (struct{}, error) {
		return struct{}{}, d.SkipAll()
	})
	require.NoError(t, err)

	_, err = Parse(data, ModeDER, func(d *Decoder) (struct{}, error) {
		if serr := d.Skip(); serr != nil {
			return struct{}{}, serr
		}
		return struct{}{}, d.Skip()
	})
	require.NoError(t, err)
}

func TestCaptureReturnsExactSubsliceNoCopy(t *testing.T) {
	payload := tlv(0x02, []byte{0x2a})
	data := tlv(0x30, payload)

	d := &Decoder{buf: data, state: stateDefinite, mode: ModeDER}
	raw, v, err := Capture(d, func(child *Decoder) (uint64, error) {
		return Sequence(child, func(inner *Decoder) (uint64, error) {
			return U64(inner)
		})
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(42), v)
	assert.Equal(t, data, raw)
	assert.Equal(t, &data[0], &raw[0], "Capture must return a subslice of the original input, not a copy")
}

func TestUnsignedArbitraryPrecisionSerial(t *testing.T) {
	serial := make([]byte, 20)
	serial[0] = 0x7f
	for i := 1; i < 20; i++ {
		serial[i] = byte(i)
	}
	data := tlv(0x02, serial)
	n, err := Parse(data, ModeDER, func(d *Decoder) (*big.Int, error) {
		return Unsigned(d)
	})
	require.NoError(t, err)
	assert.Equal(t, new(big.Int).SetBytes(serial), n)
}

func TestUnsignedRejectsNegative(t *testing.T) {
	data := tlv(0x02, []byte{0x80})
	_, err := Parse(data, ModeDER, func(d *Decoder) (*big.Int, error) {
		return Unsigned(d)
	})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestUnsignedRejectsNonMinimalPadding(t *testing.T) {
	data := tlv(0x02, []byte{0x00, 0x05})
	_, err := Parse(data, ModeDER, func(d *Decoder) (*big.Int, error) {
		return Unsigned(d)
	})
	assert.ErrorIs(t, err, ErrMalformed)

	data2 := tlv(0x02, []byte{0x00, 0x80})
	n, err := Parse(data2, ModeDER, func(d *Decoder) (*big.Int, error) {
		return Unsigned(d)
	})
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(0x80), n)
}

func TestU8U32U64RangeChecks(t *testing.T) {
	_, err := Parse(tlv(0x02, []byte{0x01, 0x00}), ModeDER, func(d *Decoder) (uint8, error) {
		return U8(d)
	})
	assert.ErrorIs(t, err, ErrMalformed)

	v, err := Parse(tlv(0x02, []byte{0x00, 0xff}), ModeDER, func(d *Decoder) (uint8, error) {
		return U8(d)
	})
	require.NoError(t, err)
	assert.Equal(t, uint8(0xff), v)
}

func TestNullAndSkipOptNull(t *testing.T) {
	_, err := Parse(tlv(0x05, nil), ModeDER, func(d *Decoder) (struct{}, error) {
		return struct{}{}, Null(d)
	})
	require.NoError(t, err)

	_, err = Parse(tlv(0x05, []byte{0x01}), ModeDER, func(d *Decoder) (struct{}, error) {
		return struct{}{}, Null(d)
	})
	assert.Error(t, err)

	_, err = Parse(tlv(0x02, []byte{0x01}), ModeDER, func(d *Decoder) (uint64, error) {
		if serr := SkipOptNull(d); serr != nil {
			return 0, serr
		}
		return U64(d)
	})
	require.NoError(t, err)
}

func TestBitStringBitLenAndBit(t *testing.T) {
	data := tlv(0x03, []byte{0x04, 0b10110000})
	bs, err := Parse(data, ModeDER, func(d *Decoder) (BitString, error) {
		return TakeBitString(d)
	})
	require.NoError(t, err)
	assert.Equal(t, 4, bs.BitLen())

	b0, err := bs.Bit(0)
	require.NoError(t, err)
	assert.True(t, b0)

	b2, err := bs.Bit(2)
	require.NoError(t, err)
	assert.True(t, b2)

	b3, err := bs.Bit(3)
	require.NoError(t, err)
	assert.True(t, b3)

	_, err = bs.Bit(4)
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = bs.Bit(-1)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestFilledBitStringRejectsUnusedBits(t *testing.T) {
	data := tlv(0x03, []byte{0x01, 0xff})
	_, err := Parse(data, ModeDER, func(d *Decoder) ([]byte, error) {
		return FilledBitString(d)
	})
	assert.ErrorIs(t, err, ErrMalformed)

	data2 := tlv(0x03, []byte{0x00, 0xff, 0x00})
	bits, err := Parse(data2, ModeDER, func(d *Decoder) ([]byte, error) {
		return FilledBitString(d)
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0x00}, bits)
}

func TestOctetStringConstructedStitching(t *testing.T) {
	piece1 := tlv(0x04, []byte{0x01, 0x02})
	piece2 := tlv(0x04, []byte{0x03, 0x04})
	data := tlv(0x24, append(piece1, piece2...))
	value, err := Parse(data, ModeBER, func(d *Decoder) ([]byte, error) {
		return OctetString(d)
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, value)
}

func TestOctetStringNestedConstructed(t *testing.T) {
	leaf := tlv(0x04, []byte{0xaa})
	nested := tlv(0x24, leaf)
	data := tlv(0x24, nested)
	value, err := Parse(data, ModeBER, func(d *Decoder) ([]byte, error) {
		return OctetString(d)
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xaa}, value)
}

func TestOctetStringRejectsNonOctetStringChild(t *testing.T) {
	badChild := tlv(0x02, []byte{0x01})
	data := tlv(0x24, badChild)
	_, err := Parse(data, ModeBER, func(d *Decoder) ([]byte, error) {
		return OctetString(d)
	})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestOctetStringConstructedRejectedInDER(t *testing.T) {
	piece := tlv(0x04, []byte{0x01, 0x02})
	data := tlv(0x24, piece)
	_, err := Parse(data, ModeDER, func(d *Decoder) ([]byte, error) {
		return OctetString(d)
	})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestOctetStringCERSegmentRules(t *testing.T) {
	full := tlv(0x04, make([]byte, cerSegmentSize))
	tail := tlv(0x04, []byte{0x01, 0x02})

	data := tlv(0x24, append(append([]byte{}, full...), tail...))
	value, err := Parse(data, ModeCER, func(d *Decoder) ([]byte, error) {
		return OctetString(d)
	})
	require.NoError(t, err)
	assert.Len(t, value, cerSegmentSize+2)

	// A short segment anywhere but last violates the 1000-octet rule.
	bad := tlv(0x24, append(append([]byte{}, tail...), full...))
	_, err = Parse(bad, ModeCER, func(d *Decoder) ([]byte, error) {
		return OctetString(d)
	})
	assert.ErrorIs(t, err, ErrMalformed)

	// A primitive OCTET STRING over 1000 octets must be constructed in CER.
	oversize := tlv(0x04, make([]byte, cerSegmentSize+1))
	_, err = Parse(oversize, ModeCER, func(d *Decoder) ([]byte, error) {
		return OctetString(d)
	})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestBoolStrictnessByMode(t *testing.T) {
	sloppy := tlv(0x01, []byte{0x2a})

	v, err := Parse(sloppy, ModeBER, func(d *Decoder) (bool, error) {
		return Bool(d)
	})
	require.NoError(t, err)
	assert.True(t, v)

	_, err = Parse(sloppy, ModeDER, func(d *Decoder) (bool, error) {
		return Bool(d)
	})
	assert.ErrorIs(t, err, ErrMalformed)

	v, err = Parse(tlv(0x01, []byte{0xff}), ModeDER, func(d *Decoder) (bool, error) {
		return Bool(d)
	})
	require.NoError(t, err)
	assert.True(t, v)
}

func TestOIDEqual(t *testing.T) {
	data := tlv(0x06, []byte{0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d})
	oid, err := Parse(data, ModeDER, func(d *Decoder) (OID, error) {
		return TakeOID(d)
	})
	require.NoError(t, err)
	assert.True(t, oid.Equal(OID{0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d}))
	assert.False(t, oid.Equal(OID{0x2a}))
}

func TestUTCTimeCenturyPivot(t *testing.T) {
	late, err := Parse(tlv(0x17, []byte("991231235959Z")), ModeDER, func(d *Decoder) (time.Time, error) {
		return UTCTime(d)
	})
	require.NoError(t, err)
	assert.Equal(t, 1999, late.Year())

	early, err := Parse(tlv(0x17, []byte("300101000000Z")), ModeDER, func(d *Decoder) (time.Time, error) {
		return UTCTime(d)
	})
	require.NoError(t, err)
	assert.Equal(t, 2030, early.Year())
}

func TestUTCTimeRejectsMissingZ(t *testing.T) {
	_, err := Parse(tlv(0x17, []byte("991231235959")), ModeDER, func(d *Decoder) (time.Time, error) {
		return UTCTime(d)
	})
	assert.Error(t, err)
}

func TestGeneralizedTime(t *testing.T) {
	v, err := Parse(tlv(0x18, []byte("20301231235959Z")), ModeDER, func(d *Decoder) (time.Time, error) {
		return GeneralizedTime(d)
	})
	require.NoError(t, err)
	assert.Equal(t, 2030, v.Year())
	assert.Equal(t, time.December, v.Month())
}

func TestTruncatedTagAndLength(t *testing.T) {
	_, err := Parse([]byte{}, ModeDER, func(d *Decoder) (uint64, error) {
		return U64(d)
	})
	assert.Error(t, err)

	_, err = Parse([]byte{0x02}, ModeDER, func(d *Decoder) (uint64, error) {
		return U64(d)
	})
	assert.Error(t, err)

	_, err = Parse([]byte{0x02, 0x05, 0x01}, ModeDER, func(d *Decoder) (uint64, error) {
		return U64(d)
	})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestHighTagNumberFormUnimplemented(t *testing.T) {
	_, err := Parse([]byte{0x1f, 0x01, 0x00}, ModeDER, func(d *Decoder) (struct{}, error) {
		return struct{}{}, d.Skip()
	})
	assert.ErrorIs(t, err, ErrUnimplemented)
}

func TestIndefiniteLengthOnPrimitiveRejected(t *testing.T) {
	data := []byte{0x02, 0x80, 0x00, 0x00}
	_, err := Parse(data, ModeBER, func(d *Decoder) (uint64, error) {
		return U64(d)
	})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestValueAsBytesRoundTrips(t *testing.T) {
	piece := tlv(0x02, []byte{0x2a})
	data := append(append([]byte{}, piece...), tlv(0x04, []byte{0x01})...)
	raw, err := Parse(data, ModeDER, func(d *Decoder) ([]byte, error) {
		v, err := d.ValueAsBytes()
		if err != nil {
			return nil, err
		}
		return v, d.Skip()
	})
	require.NoError(t, err)
	assert.Equal(t, piece, raw)
}
