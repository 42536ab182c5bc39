package ber

import (
	"math/big"
	"time"
)

// Mode selects which of the three encoding rule sets the decoder
// enforces on its input.
type Mode int

const (
	// ModeBER accepts indefinite lengths and constructed OCTET STRING
	// encodings anywhere.
	ModeBER Mode = iota
	// ModeCER accepts the indefinite form like ModeBER and additionally
	// holds OCTET STRINGs to 1000-octet segments: a primitive one may
	// carry at most 1000 octets, and every segment of a constructed one
	// but the last must carry exactly 1000. The indefinite form is not
	// restricted to string types.
	ModeCER
	// ModeDER accepts definite lengths and primitive string encodings
	// only, the profile RPKI objects are required to use.
	ModeDER
)

// state tracks how a Decoder knows when its content is exhausted: a
// definite-length value ends when its byte region is consumed; an
// indefinite-length value ends at an explicit end-of-contents marker.
type state int

const (
	stateDefinite state = iota
	stateIndefinite
	stateDone
)

// Decoder is a streaming pull-parser over one BER/DER/CER-encoded value's
// content. Callers drive it by calling the Take*/Opt* methods in the
// order their object's ASN.1 grammar demands; there is no reflection and
// no intermediate tree.
type Decoder struct {
	buf   []byte
	state state
	mode  Mode
}

// Parse decodes top-level content from b under the given mode: op must
// consume everything, or parsing fails with ErrMalformed.
func Parse[T any](b []byte, mode Mode, op func(*Decoder) (T, error)) (T, error) {
	d := &Decoder{buf: b, state: stateDefinite, mode: mode}
	res, err := op(d)
	if err != nil {
		var zero T
		return zero, err
	}
	if err := d.complete(); err != nil {
		var zero T
		return zero, err
	}
	return res, nil
}

func (d *Decoder) atEnd() bool {
	switch d.state {
	case stateDefinite:
		return len(d.buf) == 0
	case stateDone:
		return true
	default:
		return false
	}
}

func (d *Decoder) complete() error {
	switch d.state {
	case stateDefinite:
		if len(d.buf) == 0 {
			return nil
		}
		return ErrMalformed
	case stateIndefinite:
		tag, constructed, rest, err := parseTag(d.buf)
		if err != nil {
			return err
		}
		if !tag.Equal(TagEndOfValue) || constructed {
			return ErrMalformed
		}
		l, rest2, err := parseLength(rest)
		if err != nil {
			return err
		}
		if !l.definite || l.n != 0 {
			return ErrMalformed
		}
		d.buf = rest2
		d.state = stateDone
		return nil
	default:
		return nil
	}
}

// header is a parsed tag/length pair together with the byte slice
// holding the rest of the outer content after this header.
type header struct {
	tag         Tag
	constructed bool
	l           length
	rest        []byte
}

// parseHeader returns nil, nil at end of content.
func (d *Decoder) parseHeader() (*header, error) {
	switch d.state {
	case stateDefinite:
		if len(d.buf) == 0 {
			return nil, nil
		}
	case stateDone:
		return nil, nil
	}
	tag, constructed, rest, err := parseTag(d.buf)
	if err != nil {
		return nil, err
	}
	l, rest2, err := parseLength(rest)
	if err != nil {
		return nil, err
	}
	if tag.Equal(TagEndOfValue) {
		if d.state == stateIndefinite && l.definite && l.n == 0 {
			d.state = stateDone
			return nil, nil
		}
		return nil, ErrMalformed
	}
	return &header{tag: tag, constructed: constructed, l: l, rest: rest2}, nil
}

// Sequence parses a mandatory SEQUENCE and runs op over its content.
func Sequence[T any](d *Decoder, op func(*Decoder) (T, error)) (T, error) {
	return ConstructedIf(d, TagSequence, op)
}

// OptSequence parses an optional SEQUENCE.
func OptSequence[T any](d *Decoder, op func(*Decoder) (T, error)) (*T, error) {
	return OptConstructedIf(d, TagSequence, op)
}

// Set parses a mandatory SET and runs op over its content.
func Set[T any](d *Decoder, op func(*Decoder) (T, error)) (T, error) {
	return ConstructedIf(d, TagSet, op)
}

// OptSet parses an optional SET.
func OptSet[T any](d *Decoder, op func(*Decoder) (T, error)) (*T, error) {
	return OptConstructedIf(d, TagSet, op)
}

// Constructed parses the next value, which must be constructed, handing
// its tag and content to op.
func Constructed[T any](d *Decoder, op func(Tag, *Decoder) (T, error)) (T, error) {
	var zero T
	h, err := d.parseHeader()
	if err != nil {
		return zero, err
	}
	if h == nil {
		return zero, ErrMalformed
	}
	if !h.constructed {
		return zero, ErrMalformed
	}
	return withChild(d, h, func(child *Decoder) (T, error) {
		return op(h.tag, child)
	})
}

// ConstructedIf parses the next value, requiring both that it is
// constructed and that its tag matches expected.
func ConstructedIf[T any](d *Decoder, expected Tag, op func(*Decoder) (T, error)) (T, error) {
	return Constructed(d, func(tag Tag, content *Decoder) (T, error) {
		var zero T
		if !tag.Equal(expected) {
			return zero, ErrMalformed
		}
		return op(content)
	})
}

// OptConstructed parses an optional constructed value; it returns nil,
// nil at end of content.
func OptConstructed[T any](d *Decoder, op func(Tag, *Decoder) (T, error)) (*T, error) {
	h, err := d.parseHeader()
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, nil
	}
	if !h.constructed {
		return nil, ErrMalformed
	}
	res, err := withChild(d, h, func(child *Decoder) (T, error) {
		return op(h.tag, child)
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// OptConstructedIf parses an optional constructed value if the upcoming
// tag matches expected; returns nil, nil if it doesn't match or there is
// nothing left.
func OptConstructedIf[T any](d *Decoder, expected Tag, op func(*Decoder) (T, error)) (*T, error) {
	if !d.peekTag(expected) {
		return nil, nil
	}
	return OptConstructed(d, func(_ Tag, content *Decoder) (T, error) {
		return op(content)
	})
}

// peekTag reports whether the next header (if any) carries tag without
// consuming it.
func (d *Decoder) peekTag(tag Tag) bool {
	if d.atEnd() {
		return false
	}
	parsedTag, _, _, err := parseTag(d.buf)
	if err != nil {
		return false
	}
	return parsedTag.Equal(tag)
}

// PeekTag reports whether the next value's tag matches tag, without
// consuming any input. Used to resolve a CHOICE between two tags that
// otherwise share a parsing path, such as UTCTime vs GeneralizedTime.
func (d *Decoder) PeekTag(tag Tag) bool {
	return d.peekTag(tag)
}

// withChild runs op over the content addressed by h, advancing d past
// the whole value (header + content) and requiring op to consume all of
// the content.
func withChild[T any](d *Decoder, h *header, op func(*Decoder) (T, error)) (T, error) {
	var zero T
	if h.l.definite {
		if len(h.rest) < h.l.n {
			return zero, ErrMalformed
		}
		value := h.rest[:h.l.n]
		after := h.rest[h.l.n:]
		child := &Decoder{buf: value, state: stateDefinite, mode: d.mode}
		res, err := op(child)
		if err != nil {
			return zero, err
		}
		if err := child.complete(); err != nil {
			return zero, err
		}
		d.buf = after
		return res, nil
	}
	// Indefinite length: content is the rest of the parent buffer up to
	// an end-of-contents marker; the child decoder consumes directly
	// from the parent's remaining bytes and we splice the leftover back.
	// DER forbids the indefinite form outright.
	if d.mode == ModeDER {
		return zero, ErrMalformed
	}
	child := &Decoder{buf: h.rest, state: stateIndefinite, mode: d.mode}
	res, err := op(child)
	if err != nil {
		return zero, err
	}
	if err := child.complete(); err != nil {
		return zero, err
	}
	d.buf = child.buf
	return res, nil
}

// Primitive parses the next value, which must be primitive, handing its
// tag and raw content bytes to op.
func Primitive[T any](d *Decoder, op func(Tag, []byte) (T, error)) (T, error) {
	var zero T
	h, err := d.parseHeader()
	if err != nil {
		return zero, err
	}
	if h == nil {
		return zero, ErrMalformed
	}
	if h.constructed {
		return zero, ErrMalformed
	}
	if !h.l.definite {
		return zero, ErrMalformed
	}
	if len(h.rest) < h.l.n {
		return zero, ErrMalformed
	}
	value := h.rest[:h.l.n]
	d.buf = h.rest[h.l.n:]
	return op(h.tag, value)
}

// PrimitiveIf parses a mandatory primitive value with the expected tag.
func PrimitiveIf[T any](d *Decoder, expected Tag, op func([]byte) (T, error)) (T, error) {
	return Primitive(d, func(tag Tag, value []byte) (T, error) {
		var zero T
		if !tag.Equal(expected) {
			return zero, ErrMalformed
		}
		return op(value)
	})
}

// OptPrimitive parses an optional primitive value.
func OptPrimitive[T any](d *Decoder, op func(Tag, []byte) (T, error)) (*T, error) {
	if d.atEnd() {
		return nil, nil
	}
	tag, constructed, rest, err := parseTag(d.buf)
	if err != nil {
		return nil, err
	}
	if constructed {
		return nil, nil
	}
	l, rest2, err := parseLength(rest)
	if err != nil {
		return nil, err
	}
	if !l.definite {
		return nil, ErrMalformed
	}
	if len(rest2) < l.n {
		return nil, ErrMalformed
	}
	value := rest2[:l.n]
	res, err := op(tag, value)
	if err != nil {
		return nil, err
	}
	d.buf = rest2[l.n:]
	return &res, nil
}

// OptPrimitiveIf parses an optional primitive value if the upcoming tag
// matches expected.
func OptPrimitiveIf[T any](d *Decoder, expected Tag, op func([]byte) (T, error)) (*T, error) {
	if !d.peekTag(expected) {
		return nil, nil
	}
	return OptPrimitive(d, func(_ Tag, value []byte) (T, error) {
		return op(value)
	})
}

// Skip advances past the next value without interpreting it.
func (d *Decoder) Skip() error {
	ok, err := d.optSkip()
	if err != nil {
		return err
	}
	if !ok {
		return ErrMalformed
	}
	return nil
}

// SkipAll advances past all remaining values in the content.
func (d *Decoder) SkipAll() error {
	for {
		ok, err := d.optSkip()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
}

func (d *Decoder) optSkip() (bool, error) {
	h, err := d.parseHeader()
	if err != nil {
		return false, err
	}
	if h == nil {
		return false, nil
	}
	if h.l.definite {
		if len(h.rest) < h.l.n {
			return false, ErrMalformed
		}
		d.buf = h.rest[h.l.n:]
		return true, nil
	}
	if !h.constructed {
		return false, ErrMalformed
	}
	if d.mode == ModeDER {
		return false, ErrMalformed
	}
	child := &Decoder{buf: h.rest, state: stateIndefinite, mode: d.mode}
	if err := child.SkipAll(); err != nil {
		return false, err
	}
	if err := child.complete(); err != nil {
		return false, err
	}
	d.buf = child.buf
	return true, nil
}

// Capture returns the raw bytes (tag, length, and content) spanning
// whatever op consumes, alongside op's result. This is what makes
// signed-attributes capture-and-reparse free: the bytes are a subslice
// of the original shared input, never copied.
func Capture[T any](d *Decoder, op func(*Decoder) (T, error)) ([]byte, T, error) {
	start := d.buf
	res, err := op(d)
	if err != nil {
		var zero T
		return nil, zero, err
	}
	consumed := len(start) - len(d.buf)
	if consumed < 0 {
		var zero T
		return nil, zero, ErrMalformed
	}
	return start[:consumed], res, nil
}

// ValueAsBytes returns the next value, tag and length included, without
// interpreting it, and advances past it.
func (d *Decoder) ValueAsBytes() ([]byte, error) {
	raw, _, err := Capture(d, func(child *Decoder) (struct{}, error) {
		return struct{}{}, child.Skip()
	})
	return raw, err
}

// --- scalar primitives ---

// Bool parses a mandatory BOOLEAN. BER accepts any non-zero byte as
// true; DER and CER require exactly 0x00 or 0xFF.
func Bool(d *Decoder) (bool, error) {
	return PrimitiveIf(d, TagBoolean, func(v []byte) (bool, error) {
		if len(v) != 1 {
			return false, ErrMalformed
		}
		if d.mode != ModeBER && v[0] != 0x00 && v[0] != 0xff {
			return false, ErrMalformed
		}
		return v[0] != 0, nil
	})
}

// U8 parses a mandatory INTEGER that fits in a byte.
func U8(d *Decoder) (uint8, error) {
	return PrimitiveIf(d, TagInteger, func(v []byte) (uint8, error) {
		n, err := parseUnsignedInteger(v)
		if err != nil {
			return 0, err
		}
		if !n.IsUint64() || n.Uint64() > 0xff {
			return 0, ErrMalformed
		}
		return uint8(n.Uint64()), nil
	})
}

// U32 parses a mandatory INTEGER that fits in 32 bits.
func U32(d *Decoder) (uint32, error) {
	return PrimitiveIf(d, TagInteger, func(v []byte) (uint32, error) {
		n, err := parseUnsignedInteger(v)
		if err != nil {
			return 0, err
		}
		if !n.IsUint64() || n.Uint64() > 0xffffffff {
			return 0, ErrMalformed
		}
		return uint32(n.Uint64()), nil
	})
}

// U64 parses a mandatory INTEGER that fits in 64 bits.
func U64(d *Decoder) (uint64, error) {
	return PrimitiveIf(d, TagInteger, func(v []byte) (uint64, error) {
		n, err := parseUnsignedInteger(v)
		if err != nil {
			return 0, err
		}
		if !n.IsUint64() {
			return 0, ErrMalformed
		}
		return n.Uint64(), nil
	})
}

// Unsigned parses a mandatory INTEGER of arbitrary precision — used for
// certificate serial numbers, which may run to 20 octets.
func Unsigned(d *Decoder) (*big.Int, error) {
	return PrimitiveIf(d, TagInteger, parseUnsignedInteger)
}

func parseUnsignedInteger(v []byte) (*big.Int, error) {
	if len(v) == 0 {
		return nil, ErrMalformed
	}
	if v[0]&0x80 != 0 {
		return nil, ErrMalformed // negative: not valid anywhere in this model
	}
	if len(v) > 1 && v[0] == 0 && v[1]&0x80 == 0 {
		return nil, ErrMalformed // non-minimal leading zero padding
	}
	return new(big.Int).SetBytes(v), nil
}

// Null consumes a mandatory NULL.
func Null(d *Decoder) error {
	_, err := PrimitiveIf(d, TagNull, func(v []byte) (struct{}, error) {
		if len(v) != 0 {
			return struct{}{}, ErrMalformed
		}
		return struct{}{}, nil
	})
	return err
}

// SkipOptNull consumes an optional NULL if present.
func SkipOptNull(d *Decoder) error {
	_, err := OptPrimitiveIf(d, TagNull, func(v []byte) (struct{}, error) {
		if len(v) != 0 {
			return struct{}{}, ErrMalformed
		}
		return struct{}{}, nil
	})
	return err
}

// BitString is a parsed BIT STRING: the number of unused bits in the
// final octet (0-7) and the octets themselves.
type BitString struct {
	Unused int
	Bytes  []byte
}

// BitLen is the usable bit length, computed explicitly as
// len(bytes)*8 - unused rather than a shifted expression, per the
// decision recorded for this decoder (see SPEC_FULL.md).
func (b BitString) BitLen() int {
	return len(b.Bytes)*8 - b.Unused
}

// Bit reports the value of bit i (0-indexed from the most significant
// bit of the first octet), with explicit bounds checking against BitLen.
func (b BitString) Bit(i int) (bool, error) {
	if i < 0 || i >= b.BitLen() {
		return false, ErrMalformed
	}
	byteIdx := i / 8
	bitIdx := uint(7 - i%8)
	return b.Bytes[byteIdx]&(1<<bitIdx) != 0, nil
}

// TakeBitString parses a mandatory BIT STRING.
func TakeBitString(d *Decoder) (BitString, error) {
	return PrimitiveIf(d, TagBitString, func(v []byte) (BitString, error) {
		if len(v) == 0 {
			return BitString{}, ErrMalformed
		}
		unused := int(v[0])
		if unused > 7 {
			return BitString{}, ErrMalformed
		}
		return BitString{Unused: unused, Bytes: v[1:]}, nil
	})
}

// FilledBitString parses a BIT STRING known to have zero unused bits —
// the shape a DER-encoded RSA public key or signature bit string always
// takes.
func FilledBitString(d *Decoder) ([]byte, error) {
	return PrimitiveIf(d, TagBitString, func(v []byte) ([]byte, error) {
		if len(v) == 0 || v[0] != 0 {
			return nil, ErrMalformed
		}
		return v[1:], nil
	})
}

// cerSegmentSize is the mandatory chunk size for constructed string
// types under CER.
const cerSegmentSize = 1000

// OctetString parses a mandatory OCTET STRING. BER allows it to be
// encoded as constructed, as a sequence of OCTET STRING primitives whose
// values concatenate; CER mandates that form whenever the content
// exceeds 1000 octets, chunked into 1000-octet segments; DER allows the
// primitive form only. Constructed encodings are stitched back into one
// contiguous byte slice.
func OctetString(d *Decoder) ([]byte, error) {
	h, err := d.parseHeader()
	if err != nil {
		return nil, err
	}
	if h == nil || !h.tag.Equal(TagOctetString) {
		return nil, ErrMalformed
	}
	return readOctetStringBody(d, h)
}

// readOctetStringBody reads the value of one OCTET STRING header,
// recursing into nested constructed OCTET STRINGs and concatenating
// their pieces. d is advanced past the whole value.
func readOctetStringBody(d *Decoder, h *header) ([]byte, error) {
	if !h.constructed {
		if !h.l.definite {
			return nil, ErrMalformed
		}
		if len(h.rest) < h.l.n {
			return nil, ErrMalformed
		}
		if d.mode == ModeCER && h.l.n > cerSegmentSize {
			return nil, ErrMalformed
		}
		value := h.rest[:h.l.n]
		d.buf = h.rest[h.l.n:]
		return value, nil
	}
	if d.mode == ModeDER {
		return nil, ErrMalformed
	}
	// Constructed: content is itself a sequence of OCTET STRING values
	// (each primitive, or itself constructed) to concatenate. Under CER
	// every segment but the last must be exactly 1000 octets.
	return withChild(d, h, func(child *Decoder) ([]byte, error) {
		var out []byte
		short := false
		for {
			childHeader, err := child.parseHeader()
			if err != nil {
				return nil, err
			}
			if childHeader == nil {
				break
			}
			if !childHeader.tag.Equal(TagOctetString) {
				return nil, ErrMalformed
			}
			piece, err := readOctetStringBody(child, childHeader)
			if err != nil {
				return nil, err
			}
			if d.mode == ModeCER {
				if short {
					return nil, ErrMalformed
				}
				if len(piece) < cerSegmentSize {
					short = true
				}
			}
			out = append(out, piece...)
		}
		return out, nil
	})
}

// OID is a parsed OBJECT IDENTIFIER, stored as its raw DER content
// octets; comparisons are done byte-for-byte against a known OID's own
// encoding rather than decoded into a []uint32, since every OID this
// decoder ever checks is a fixed constant.
type OID []byte

// Equal reports whether two OIDs are the same.
func (o OID) Equal(other OID) bool {
	if len(o) != len(other) {
		return false
	}
	for i := range o {
		if o[i] != other[i] {
			return false
		}
	}
	return true
}

// TakeOID parses a mandatory OBJECT IDENTIFIER.
func TakeOID(d *Decoder) (OID, error) {
	return PrimitiveIf(d, TagOID, func(v []byte) (OID, error) {
		if len(v) == 0 {
			return nil, ErrMalformed
		}
		return append(OID(nil), v...), nil
	})
}

// UTCTime parses a mandatory UTCTime, per the DER profile: format
// YYMMDDHHMMSSZ, years 50-99 are 19xx and 00-49 are 20xx.
func UTCTime(d *Decoder) (time.Time, error) {
	return PrimitiveIf(d, TagUTCTime, func(v []byte) (time.Time, error) {
		return parseUTCTime(v)
	})
}

func parseUTCTime(v []byte) (time.Time, error) {
	s := string(v)
	if len(s) != 13 || s[12] != 'Z' {
		return time.Time{}, ErrMalformed
	}
	t, err := time.Parse("060102150405", s[:12])
	if err != nil {
		return time.Time{}, ErrMalformed
	}
	if t.Year() >= 2050 {
		t = t.AddDate(-100, 0, 0)
	}
	return t.UTC(), nil
}

// GeneralizedTime parses a mandatory GeneralizedTime: format
// YYYYMMDDHHMMSSZ.
func GeneralizedTime(d *Decoder) (time.Time, error) {
	return PrimitiveIf(d, TagGeneralizedTime, func(v []byte) (time.Time, error) {
		s := string(v)
		if len(s) != 15 || s[14] != 'Z' {
			return time.Time{}, ErrMalformed
		}
		t, err := time.Parse("20060102150405", s[:14])
		if err != nil {
			return time.Time{}, ErrMalformed
		}
		return t.UTC(), nil
	})
}
