package rpki

import (
	"crypto/rsa"

	"github.com/cuemby/rpkid/pkg/resources"
	"github.com/cuemby/rpkid/pkg/rpkierr"
)

// RouterKey is a validated BGPsec router EE certificate: one
// SubjectKeyIdentifier/public-key pair authorised to sign BGPsec updates
// for every AS number listed in the certificate's AS resources.
//
// Unlike ROAs, manifests, and ASPAs, a router certificate is not wrapped
// in a signed-object CMS envelope: it is validated as a plain EE
// certificate and its AS resources are read directly off it.
type RouterKey struct {
	ASN       resources.ASNumber
	SKI       []byte
	PublicKey *rsa.PublicKey
}

// ProcessRouterCert validates cert as a BGPsec router EE certificate
// against issuer and expands it into one RouterKey per AS number the
// certificate's resources authorise.
func ProcessRouterCert(cert *Cert, issuer *ResourceCert) ([]RouterKey, error) {
	if !cert.hasExtendedKeyUsage(oidKPBGPSecRouter) {
		return nil, rpkierr.Validationf("router certificate missing the BGPsec router EKU")
	}
	rc, err := ValidateEE(cert, issuer)
	if err != nil {
		return nil, err
	}
	if rc.AS.Inherit || len(rc.AS.Blocks) == 0 {
		return nil, rpkierr.Validationf("router certificate carries no AS resources")
	}

	var keys []RouterKey
	for _, block := range rc.AS.Blocks {
		for asn := block.Min; ; asn++ {
			keys = append(keys, RouterKey{
				ASN:       asn,
				SKI:       rc.Cert.SubjectKeyIdentifier(),
				PublicKey: rc.Cert.PublicKey(),
			})
			if asn == block.Max {
				break
			}
		}
	}
	return keys, nil
}
