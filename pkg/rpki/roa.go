package rpki

import (
	"github.com/cuemby/rpkid/pkg/ber"
	"github.com/cuemby/rpkid/pkg/resources"
	"github.com/cuemby/rpkid/pkg/rpkierr"
)

// ROA is a parsed but not yet validated RFC 6482 Route Origin
// Authorisation: the signed-object envelope plus its decoded attestation.
type ROA struct {
	signed  *SignedObject
	content ROAContent
}

// ROAContent is a decoded RouteOriginAttestation.
type ROAContent struct {
	ASID resources.ASNumber
	V4   []ROAIPAddress
	V6   []ROAIPAddress
}

// ROAIPAddress is one entry of a ROA's address list: a prefix and the
// maximum prefix length a covered announcement is allowed to use.
type ROAIPAddress struct {
	Prefix    resources.IPBlock
	PrefixLen int
	MaxLength int
}

// ParseROA decodes a ROA from its DER-encoded signed object.
func ParseROA(der []byte) (*ROA, error) {
	signed, err := ParseSignedObject(der)
	if err != nil {
		return nil, err
	}
	if !signed.ContentType().Equal(oidContentTypeROA) {
		return nil, rpkierr.New(rpkierr.KindDecode, ber.ErrMalformed)
	}
	content, err := ber.Parse(signed.Content(), ber.ModeDER, parseROAContent)
	if err != nil {
		return nil, rpkierr.New(rpkierr.KindDecode, err)
	}
	return &ROA{signed: signed, content: content}, nil
}

func parseROAContent(d *ber.Decoder) (ROAContent, error) {
	return ber.Sequence(d, func(d *ber.Decoder) (ROAContent, error) {
		var rc ROAContent

		if _, err := ber.OptPrimitiveIf(d, ber.Context(0), func(v []byte) (struct{}, error) {
			n, err := parseUint32Body(v)
			if err != nil {
				return struct{}{}, err
			}
			if n != 0 {
				return struct{}{}, ber.ErrMalformed
			}
			return struct{}{}, nil
		}); err != nil {
			return ROAContent{}, err
		}

		asID, err := ber.PrimitiveIf(d, ber.TagInteger, parseUint32Body)
		if err != nil {
			return ROAContent{}, err
		}
		rc.ASID = resources.ASNumber(asID)

		if err := sequenceVoid(d, func(d *ber.Decoder) error {
			var sawV4, sawV6 bool
			for {
				entry, err := ber.OptSequence(d, func(d *ber.Decoder) (struct{}, error) {
					family, err := ber.PrimitiveIf(d, ber.TagOctetString, parseIPAddressFamily)
					if err != nil {
						return struct{}{}, err
					}
					addrs, err := parseROAIPAddresses(d, family)
					if err != nil {
						return struct{}{}, err
					}
					switch family {
					case resources.FamilyIPv4:
						if sawV4 {
							return struct{}{}, ber.ErrMalformed
						}
						sawV4 = true
						rc.V4 = addrs
					case resources.FamilyIPv6:
						if sawV6 {
							return struct{}{}, ber.ErrMalformed
						}
						sawV6 = true
						rc.V6 = addrs
					}
					return struct{}{}, nil
				})
				if err != nil {
					return err
				}
				if entry == nil {
					return nil
				}
			}
		}); err != nil {
			return ROAContent{}, err
		}

		return rc, nil
	})
}

func parseROAIPAddresses(d *ber.Decoder, family resources.Family) ([]ROAIPAddress, error) {
	return ber.Sequence(d, func(d *ber.Decoder) ([]ROAIPAddress, error) {
		var addrs []ROAIPAddress
		for {
			entry, err := ber.OptSequence(d, func(d *ber.Decoder) (ROAIPAddress, error) {
				bs, err := ber.TakeBitString(d)
				if err != nil {
					return ROAIPAddress{}, err
				}
				if len(bs.Bytes) > familyByteWidth(family) {
					return ROAIPAddress{}, ber.ErrMalformed
				}
				prefixLen := bs.BitLen()
				maxLen, err := optU8(d)
				if err != nil {
					return ROAIPAddress{}, err
				}
				if maxLen < 0 {
					maxLen = prefixLen
				}
				if maxLen < prefixLen || maxLen > familyByteWidth(family)*8 {
					return ROAIPAddress{}, ber.ErrMalformed
				}
				block, err := prefixBitStringToBlock(family, bs)
				if err != nil {
					return ROAIPAddress{}, err
				}
				return ROAIPAddress{Prefix: block, PrefixLen: prefixLen, MaxLength: maxLen}, nil
			})
			if err != nil {
				return nil, err
			}
			if entry == nil {
				break
			}
			addrs = append(addrs, *entry)
		}
		return addrs, nil
	})
}

func optU8(d *ber.Decoder) (int, error) {
	v, err := ber.OptPrimitiveIf(d, ber.TagInteger, func(v []byte) (uint8, error) {
		n, err := parseUint32Body(v)
		if err != nil {
			return 0, err
		}
		if n > 255 {
			return 0, ber.ErrMalformed
		}
		return uint8(n), nil
	})
	if err != nil {
		return 0, err
	}
	if v == nil {
		return -1, nil
	}
	return int(*v), nil
}

// Cert returns the ROA's embedded EE certificate.
func (r *ROA) Cert() *Cert { return r.signed.Cert() }

// Content returns the ROA's decoded attestation.
func (r *ROA) Content() ROAContent { return r.content }

// Validate checks the ROA's signature, EE certificate, and that every
// announced prefix is encompassed by the EE certificate's IP resources.
func (r *ROA) Validate(issuer *ResourceCert) (*ResourceCert, error) {
	cert, err := r.signed.Validate(issuer, ValidateEE)
	if err != nil {
		return nil, err
	}
	if err := r.content.validateAgainst(cert); err != nil {
		return nil, err
	}
	return cert, nil
}

func (c ROAContent) validateAgainst(cert *ResourceCert) error {
	if len(c.V4) > 0 {
		blocks := make([]resources.IPBlock, len(c.V4))
		for i, a := range c.V4 {
			blocks[i] = a.Prefix
		}
		set, err := resources.NewIPSet(resources.FamilyIPv4, blocks)
		if err != nil {
			return rpkierr.New(rpkierr.KindDecode, err)
		}
		if !resources.EncompassesIP(cert.IPv4, set) {
			return rpkierr.Validationf("ROA IPv4 prefixes are not encompassed by the EE certificate's resources")
		}
	}
	if len(c.V6) > 0 {
		blocks := make([]resources.IPBlock, len(c.V6))
		for i, a := range c.V6 {
			blocks[i] = a.Prefix
		}
		set, err := resources.NewIPSet(resources.FamilyIPv6, blocks)
		if err != nil {
			return rpkierr.New(rpkierr.KindDecode, err)
		}
		if !resources.EncompassesIP(cert.IPv6, set) {
			return rpkierr.Validationf("ROA IPv6 prefixes are not encompassed by the EE certificate's resources")
		}
	}
	return nil
}
