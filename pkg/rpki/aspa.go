package rpki

import (
	"github.com/cuemby/rpkid/pkg/ber"
	"github.com/cuemby/rpkid/pkg/resources"
	"github.com/cuemby/rpkid/pkg/rpkierr"
)

// ASPA is a parsed but not yet validated Autonomous System Provider
// Authorization object: the signed-object envelope plus the decoded
// customer/provider AS relationship it attests.
type ASPA struct {
	signed  *SignedObject
	content ASPAContent
}

// ASPAContent is a decoded ASProviderAttestation: the customer AS and
// the set of ASes it authorises as upstream providers.
type ASPAContent struct {
	CustomerASN resources.ASNumber
	ProviderASN []resources.ASNumber
}

// ParseASPA decodes an ASPA from its DER-encoded signed object.
func ParseASPA(der []byte) (*ASPA, error) {
	signed, err := ParseSignedObject(der)
	if err != nil {
		return nil, err
	}
	if !signed.ContentType().Equal(oidContentTypeASPA) {
		return nil, rpkierr.New(rpkierr.KindDecode, ber.ErrMalformed)
	}
	content, err := ber.Parse(signed.Content(), ber.ModeDER, parseASPAContent)
	if err != nil {
		return nil, rpkierr.New(rpkierr.KindDecode, err)
	}
	return &ASPA{signed: signed, content: content}, nil
}

func parseASPAContent(d *ber.Decoder) (ASPAContent, error) {
	return ber.Sequence(d, func(d *ber.Decoder) (ASPAContent, error) {
		var ac ASPAContent

		if _, err := ber.OptPrimitiveIf(d, ber.TagInteger, func(v []byte) (struct{}, error) {
			n, err := parseUint32Body(v)
			if err != nil {
				return struct{}{}, err
			}
			if n != 0 {
				return struct{}{}, ber.ErrMalformed
			}
			return struct{}{}, nil
		}); err != nil {
			return ASPAContent{}, err
		}

		customer, err := ber.PrimitiveIf(d, ber.TagInteger, parseUint32Body)
		if err != nil {
			return ASPAContent{}, err
		}
		ac.CustomerASN = resources.ASNumber(customer)

		providers, err := ber.Sequence(d, func(d *ber.Decoder) ([]resources.ASNumber, error) {
			var asns []resources.ASNumber
			seen := make(map[resources.ASNumber]bool)
			var prev resources.ASNumber
			for {
				asn, err := ber.OptPrimitiveIf(d, ber.TagInteger, parseUint32Body)
				if err != nil {
					return nil, err
				}
				if asn == nil {
					break
				}
				a := resources.ASNumber(*asn)
				if seen[a] {
					return nil, ber.ErrMalformed
				}
				if len(asns) > 0 && a < prev {
					return nil, ber.ErrMalformed
				}
				seen[a] = true
				prev = a
				asns = append(asns, a)
			}
			if len(asns) == 0 {
				return nil, ber.ErrMalformed
			}
			return asns, nil
		})
		if err != nil {
			return ASPAContent{}, err
		}
		ac.ProviderASN = providers

		return ac, nil
	})
}

// Cert returns the ASPA's embedded EE certificate.
func (a *ASPA) Cert() *Cert { return a.signed.Cert() }

// Content returns the ASPA's decoded attestation.
func (a *ASPA) Content() ASPAContent { return a.content }

// Validate checks the ASPA's signature and EE certificate, and that the
// EE's AS resources name exactly the customer AS number.
func (a *ASPA) Validate(issuer *ResourceCert) (*ResourceCert, error) {
	cert, err := a.signed.Validate(issuer, ValidateEE)
	if err != nil {
		return nil, err
	}
	if err := a.content.validateAgainst(cert); err != nil {
		return nil, err
	}
	return cert, nil
}

func (c ASPAContent) validateAgainst(cert *ResourceCert) error {
	if cert.AS.Inherit || len(cert.AS.Blocks) != 1 || !cert.AS.Blocks[0].Singleton() {
		return rpkierr.Validationf("ASPA EE certificate must carry exactly one AS number")
	}
	if cert.AS.Blocks[0].Min != c.CustomerASN {
		return rpkierr.Validationf("ASPA EE certificate's AS number does not match the attestation's customer AS")
	}
	return nil
}
