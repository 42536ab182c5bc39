package rpki

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"

	"github.com/cuemby/rpkid/pkg/ber"
	"github.com/cuemby/rpkid/pkg/rpkierr"
	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// SignedObject is the RFC 6488 profile of a CMS SignedData object: the
// generic container ROAs, manifests and ASPAs are all wrapped in before
// their payload-specific content is parsed out of it.
type SignedObject struct {
	contentType ber.OID
	content     []byte // eContent: the encapsulated payload's raw octets

	cert       *Cert
	signerInfo signerInfo
}

// ParseSignedObject decodes a ContentInfo wrapping a signed-data value
// from its DER encoding.
func ParseSignedObject(der []byte) (*SignedObject, error) {
	obj, err := ber.Parse(der, ber.ModeDER, parseSignedObject)
	if err != nil {
		return nil, rpkierr.New(rpkierr.KindDecode, err)
	}
	return obj, nil
}

func parseSignedObject(d *ber.Decoder) (*SignedObject, error) {
	return ber.Sequence(d, func(d *ber.Decoder) (*SignedObject, error) {
		id, err := ber.TakeOID(d)
		if err != nil {
			return nil, err
		}
		if !id.Equal(oidSignedData) {
			return nil, ber.ErrMalformed
		}
		return ber.ConstructedIf(d, ber.Context(0), parseSignedData)
	})
}

// parseSignedData decodes a SignedData value per RFC 5652/6488: version
// must be 3, there must be exactly one SHA-256 digest algorithm, exactly
// one embedded certificate, no CRLs, and exactly one SignerInfo.
func parseSignedData(d *ber.Decoder) (*SignedObject, error) {
	return ber.Sequence(d, func(d *ber.Decoder) (*SignedObject, error) {
		v, err := ber.U8(d)
		if err != nil {
			return nil, err
		}
		if v != 3 {
			return nil, ber.ErrMalformed
		}

		if err := skipDigestAlgorithms(d); err != nil {
			return nil, err
		}

		eci, err := parseEncapContentInfo(d)
		if err != nil {
			return nil, err
		}

		cert, err := parseSignedObjectCert(d)
		if err != nil {
			return nil, err
		}

		si, err := parseSignerInfos(d)
		if err != nil {
			return nil, err
		}

		return &SignedObject{
			contentType: eci.contentType,
			content:     eci.content,
			cert:        cert,
			signerInfo:  si,
		}, nil
	})
}

// skipDigestAlgorithms parses the SET OF DigestAlgorithmIdentifier
// field; RFC 6488 section 2.1.2 requires exactly one, SHA-256.
func skipDigestAlgorithms(d *ber.Decoder) error {
	_, err := ber.Set(d, func(d *ber.Decoder) (struct{}, error) {
		count := 0
		for {
			entry, err := ber.OptSequence(d, func(d *ber.Decoder) (struct{}, error) {
				oid, err := ber.TakeOID(d)
				if err != nil {
					return struct{}{}, err
				}
				if !oid.Equal(oidSHA256) {
					return struct{}{}, ber.ErrMalformed
				}
				return struct{}{}, ber.SkipOptNull(d)
			})
			if err != nil {
				return struct{}{}, err
			}
			if entry == nil {
				break
			}
			count++
		}
		if count != 1 {
			return struct{}{}, ber.ErrMalformed
		}
		return struct{}{}, nil
	})
	return err
}

type encapContentInfo struct {
	contentType ber.OID
	content     []byte
}

func parseEncapContentInfo(d *ber.Decoder) (encapContentInfo, error) {
	return ber.Sequence(d, func(d *ber.Decoder) (encapContentInfo, error) {
		id, err := ber.TakeOID(d)
		if err != nil {
			return encapContentInfo{}, err
		}
		content, err := ber.ConstructedIf(d, ber.Context(0), ber.OctetString)
		if err != nil {
			return encapContentInfo{}, err
		}
		return encapContentInfo{contentType: id, content: content}, nil
	})
}

// parseSignedObjectCert decodes the certificates [0] IMPLICIT
// CertificateSet field. RFC 6488 restricts the set to exactly one
// Certificate; the other CertificateChoices alternatives are obsolete
// and unsupported.
func parseSignedObjectCert(d *ber.Decoder) (*Cert, error) {
	return ber.ConstructedIf(d, ber.Context(0), func(d *ber.Decoder) (*Cert, error) {
		return ber.Constructed(d, func(tag ber.Tag, child *ber.Decoder) (*Cert, error) {
			if !tag.Equal(ber.TagSequence) {
				return nil, ber.ErrUnimplemented
			}
			full, c, err := ber.Capture(child, parseCertContent)
			if err != nil {
				return nil, err
			}
			c.raw = full
			return c, nil
		})
	})
}

func parseSignerInfos(d *ber.Decoder) (signerInfo, error) {
	return ber.Set(d, func(d *ber.Decoder) (signerInfo, error) {
		return ber.Sequence(d, parseSignerInfoContent)
	})
}

// signerInfo is a parsed RFC 5652 SignerInfo, restricted by RFC 6488 to
// the shape RPKI signed objects use.
type signerInfo struct {
	sid            []byte // subjectKeyIdentifier of the embedded EE cert
	signedAttrsRaw []byte // content of the [0] IMPLICIT SET, tag stripped
	contentType    ber.OID
	messageDigest  []byte
	signatureAlg   SignatureAlgorithm
	signature      []byte
}

func parseSignerInfoContent(d *ber.Decoder) (signerInfo, error) {
	var si signerInfo

	v, err := ber.U8(d)
	if err != nil {
		return si, err
	}
	if v != 3 {
		return si, ber.ErrMalformed
	}

	sid, err := ber.PrimitiveIf(d, ber.Context(0), func(v []byte) ([]byte, error) {
		if len(v) != 20 {
			return nil, ber.ErrMalformed
		}
		return append([]byte(nil), v...), nil
	})
	if err != nil {
		return si, err
	}
	si.sid = sid

	if err := skipSingleDigestAlgorithm(d); err != nil {
		return si, err
	}

	attrs, err := parseSignedAttrsField(d)
	if err != nil {
		return si, err
	}
	si.signedAttrsRaw = attrs.raw
	si.contentType = attrs.attrs.contentType
	si.messageDigest = attrs.attrs.messageDigest

	sigAlg, err := parseSignatureAlgorithm(d)
	if err != nil {
		return si, err
	}
	si.signatureAlg = sigAlg

	sig, err := ber.OctetString(d)
	if err != nil {
		return si, err
	}
	si.signature = sig

	return si, nil
}

func skipSingleDigestAlgorithm(d *ber.Decoder) error {
	_, err := ber.Sequence(d, func(d *ber.Decoder) (struct{}, error) {
		oid, err := ber.TakeOID(d)
		if err != nil {
			return struct{}{}, err
		}
		if !oid.Equal(oidSHA256) {
			return struct{}{}, ber.ErrMalformed
		}
		return struct{}{}, ber.SkipOptNull(d)
	})
	return err
}

type signedAttrs struct {
	contentType   ber.OID
	messageDigest []byte
}

type rawSignedAttrs struct {
	raw   []byte
	attrs signedAttrs
}

// parseSignedAttrsField decodes the signedAttrs [0] IMPLICIT SET OF
// Attribute field and captures its content bytes (tag stripped) so the
// signature can later be verified over the same bytes re-tagged as an
// explicit SET, per RFC 5652 section 5.4.
func parseSignedAttrsField(d *ber.Decoder) (rawSignedAttrs, error) {
	return ber.ConstructedIf(d, ber.Context(0), func(child *ber.Decoder) (rawSignedAttrs, error) {
		raw, attrs, err := ber.Capture(child, parseSignedAttrsBody)
		if err != nil {
			return rawSignedAttrs{}, err
		}
		return rawSignedAttrs{raw: raw, attrs: attrs}, nil
	})
}

func parseSignedAttrsBody(d *ber.Decoder) (signedAttrs, error) {
	var sa signedAttrs
	var sawContentType, sawMessageDigest bool
	for {
		entry, err := ber.OptSequence(d, func(d *ber.Decoder) (struct{}, error) {
			id, err := ber.TakeOID(d)
			if err != nil {
				return struct{}{}, err
			}
			switch {
			case id.Equal(oidContentType):
				if sawContentType {
					return struct{}{}, ber.ErrMalformed
				}
				sawContentType = true
				ct, err := ber.Set(d, ber.TakeOID)
				if err != nil {
					return struct{}{}, err
				}
				sa.contentType = ct
			case id.Equal(oidMessageDigest):
				if sawMessageDigest {
					return struct{}{}, ber.ErrMalformed
				}
				sawMessageDigest = true
				digest, err := ber.Set(d, ber.OctetString)
				if err != nil {
					return struct{}{}, err
				}
				if len(digest) != 32 {
					return struct{}{}, ber.ErrMalformed
				}
				sa.messageDigest = digest
			case id.Equal(oidSigningTime):
				if _, err := ber.Set(d, parseTime); err != nil {
					return struct{}{}, err
				}
			case id.Equal(oidAABinarySigningTime):
				if _, err := ber.Set(d, ber.U64); err != nil {
					return struct{}{}, err
				}
			default:
				return struct{}{}, ber.ErrMalformed
			}
			return struct{}{}, nil
		})
		if err != nil {
			return signedAttrs{}, err
		}
		if entry == nil {
			break
		}
	}
	if !sawContentType || !sawMessageDigest {
		return signedAttrs{}, ber.ErrMalformed
	}
	return sa, nil
}

// ContentType returns the object's eContentType, matched against the
// signed content-type attribute during Validate.
func (s *SignedObject) ContentType() ber.OID { return s.contentType }

// Content returns the object's encapsulated payload bytes.
func (s *SignedObject) Content() []byte { return s.content }

// Cert returns the embedded EE certificate the object is signed with.
func (s *SignedObject) Cert() *Cert { return s.cert }

// Validate checks RFC 6488 compliance and the CMS signature, then hands
// the embedded EE certificate to validateCert for chain validation
// against issuer; validateCert is typically ValidateEE.
func (s *SignedObject) Validate(
	issuer *ResourceCert,
	validateCert func(*Cert, *ResourceCert) (*ResourceCert, error),
) (*ResourceCert, error) {
	if err := s.verifyCompliance(); err != nil {
		return nil, err
	}
	if err := s.verifySignature(); err != nil {
		return nil, err
	}
	return validateCert(s.cert, issuer)
}

func (s *SignedObject) verifyCompliance() error {
	ski := s.cert.SubjectKeyIdentifier()
	if !bytesEqual(s.signerInfo.sid, ski) {
		return rpkierr.Validationf("signed object signer identifier does not match its certificate's subject key identifier")
	}
	if !s.contentType.Equal(s.signerInfo.contentType) {
		return rpkierr.Validationf("signed object content type does not match the content-type signed attribute")
	}
	return nil
}

func (s *SignedObject) verifySignature() error {
	digest := sha256.Sum256(s.content)
	if !bytesEqual(digest[:], s.signerInfo.messageDigest) {
		return rpkierr.Validationf("signed object content digest does not match the message-digest signed attribute")
	}
	msg, err := reencodeSignedAttrsAsSet(s.signerInfo.signedAttrsRaw)
	if err != nil {
		return rpkierr.Validationf("signed attributes could not be re-encoded: %v", err)
	}
	msgDigest := sha256.Sum256(msg)
	if err := rsa.VerifyPKCS1v15(s.cert.PublicKey(), crypto.SHA256, msgDigest[:], s.signerInfo.signature); err != nil {
		return rpkierr.Validationf("signed object signature verification failed")
	}
	return nil
}

// reencodeSignedAttrsAsSet rebuilds the bytes the signature actually
// covers: signedAttrs is transmitted as [0] IMPLICIT but RFC 5652
// section 5.4 requires it be verified as if tagged SET OF Attribute
// (universal, constructed, tag 17) instead.
func reencodeSignedAttrsAsSet(content []byte) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SET, func(child *cryptobyte.Builder) {
		child.AddBytes(content)
	})
	return b.Bytes()
}
