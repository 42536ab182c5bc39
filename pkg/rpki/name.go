package rpki

import (
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"time"

	"github.com/cuemby/rpkid/pkg/ber"
)

// Name is an X.501 Name (issuer or subject), kept as its raw DER encoding.
// RPKI relying parties never interpret the RDN sequence beyond comparing it
// byte-for-byte between a certificate's issuer and its issuer's subject.
type Name []byte

func parseName(d *ber.Decoder) (Name, error) {
	raw, err := d.ValueAsBytes()
	if err != nil {
		return nil, err
	}
	return Name(raw), nil
}

// Equal compares two names by their raw encoding.
func (n Name) Equal(other Name) bool {
	if len(n) != len(other) {
		return false
	}
	for i := range n {
		if n[i] != other[i] {
			return false
		}
	}
	return true
}

// Validity is a certificate's notBefore/notAfter pair.
type Validity struct {
	NotBefore time.Time
	NotAfter  time.Time
}

func parseValidity(d *ber.Decoder) (Validity, error) {
	return ber.Sequence(d, func(d *ber.Decoder) (Validity, error) {
		notBefore, err := parseTime(d)
		if err != nil {
			return Validity{}, err
		}
		notAfter, err := parseTime(d)
		if err != nil {
			return Validity{}, err
		}
		return Validity{NotBefore: notBefore, NotAfter: notAfter}, nil
	})
}

// parseTime accepts either encoding RFC 5280 allows for the field it is
// called on: UTCTime for dates before 2050, GeneralizedTime after.
func parseTime(d *ber.Decoder) (time.Time, error) {
	if d.PeekTag(ber.TagUTCTime) {
		return ber.UTCTime(d)
	}
	return ber.GeneralizedTime(d)
}

// validAt reports whether t falls within the validity period, with no
// grace period: expiry and not-yet-valid are both validation failures.
func (v Validity) validAt(t time.Time) bool {
	return !t.Before(v.NotBefore) && !t.After(v.NotAfter)
}

// SignatureAlgorithm identifies the single signature algorithm RPKI
// certificates and signed objects are permitted to use.
type SignatureAlgorithm struct{}

func parseSignatureAlgorithm(d *ber.Decoder) (SignatureAlgorithm, error) {
	return ber.Sequence(d, func(d *ber.Decoder) (SignatureAlgorithm, error) {
		oid, err := ber.TakeOID(d)
		if err != nil {
			return SignatureAlgorithm{}, err
		}
		if !oid.Equal(oidSHA256WithRSAEncryption) {
			return SignatureAlgorithm{}, ber.ErrMalformed
		}
		if err := ber.SkipOptNull(d); err != nil {
			return SignatureAlgorithm{}, err
		}
		return SignatureAlgorithm{}, nil
	})
}

// SubjectPublicKeyInfo is a parsed SubjectPublicKeyInfo: the algorithm is
// checked to be RSA at parse time, and the bit string is kept both as raw
// bytes (for the SKI digest) and as a parsed *rsa.PublicKey.
type SubjectPublicKeyInfo struct {
	raw []byte
	key *rsa.PublicKey
}

func parseSubjectPublicKeyInfo(d *ber.Decoder) (SubjectPublicKeyInfo, error) {
	raw, key, err := ber.Capture(d, func(d *ber.Decoder) (*rsa.PublicKey, error) {
		return ber.Sequence(d, func(d *ber.Decoder) (*rsa.PublicKey, error) {
			if err := parseRSAAlgorithmIdentifier(d); err != nil {
				return nil, err
			}
			keyBytes, err := ber.FilledBitString(d)
			if err != nil {
				return nil, err
			}
			pub, err := x509.ParsePKCS1PublicKey(keyBytes)
			if err != nil {
				return nil, ber.ErrMalformed
			}
			return pub, nil
		})
	})
	if err != nil {
		return SubjectPublicKeyInfo{}, err
	}
	return SubjectPublicKeyInfo{raw: raw, key: key}, nil
}

// PublicKey returns the parsed RSA public key.
func (s SubjectPublicKeyInfo) PublicKey() *rsa.PublicKey {
	return s.key
}

// RawDER returns the captured DER encoding of the SubjectPublicKeyInfo
// SEQUENCE, the form a TAL's key line is compared against.
func (s SubjectPublicKeyInfo) RawDER() []byte {
	return s.raw
}

func parseRSAAlgorithmIdentifier(d *ber.Decoder) error {
	return sequenceVoid(d, func(d *ber.Decoder) error {
		oid, err := ber.TakeOID(d)
		if err != nil {
			return err
		}
		if !oid.Equal(oidRSAEncryption) {
			return ber.ErrMalformed
		}
		return ber.SkipOptNull(d)
	})
}

func sequenceVoid(d *ber.Decoder, op func(*ber.Decoder) error) error {
	_, err := ber.Sequence(d, func(d *ber.Decoder) (struct{}, error) {
		return struct{}{}, op(d)
	})
	return err
}

// keyIdentifier is the SHA-1 digest of the subjectPublicKey bit string
// content, the value subjectKeyIdentifier and authorityKeyIdentifier
// extensions must match.
func (s SubjectPublicKeyInfo) keyIdentifier() [20]byte {
	return sha1.Sum(s.publicKeyBits())
}

// publicKeyBits returns the raw BIT STRING content octets (key.N/E bytes),
// recovering them from the captured encoding rather than re-deriving from
// the parsed key, so the SHA-1 digest matches bit-for-bit.
func (s SubjectPublicKeyInfo) publicKeyBits() []byte {
	// The captured raw bytes are the full SEQUENCE (tag, length,
	// AlgorithmIdentifier, BIT STRING); re-parse just far enough to reach
	// the bit string content. This never fails on data that already parsed
	// successfully once.
	bits, _ := ber.Parse(s.raw, ber.ModeDER, func(d *ber.Decoder) ([]byte, error) {
		return ber.Sequence(d, func(d *ber.Decoder) ([]byte, error) {
			if err := parseRSAAlgorithmIdentifier(d); err != nil {
				return nil, err
			}
			return ber.FilledBitString(d)
		})
	})
	return bits
}
