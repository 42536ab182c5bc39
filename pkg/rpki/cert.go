package rpki

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"math/big"
	"time"

	"github.com/cuemby/rpkid/pkg/ber"
	"github.com/cuemby/rpkid/pkg/resources"
	"github.com/cuemby/rpkid/pkg/rpkierr"
)

// Cert is a parsed but not yet validated RPKI resource certificate,
// following the profile RFC 6487 layers on top of RFC 5280.
type Cert struct {
	raw          []byte
	tbs          []byte
	signatureAlg SignatureAlgorithm
	signature    []byte

	serialNumber *big.Int
	issuer       Name
	validity     Validity
	subject      Name
	spki         SubjectPublicKeyInfo
	ext          extensions
}

// ParseCert decodes a Certificate from its DER encoding.
func ParseCert(der []byte) (*Cert, error) {
	c, err := ber.Parse(der, ber.ModeDER, parseCert)
	if err != nil {
		return nil, rpkierr.New(rpkierr.KindDecode, err)
	}
	return c, nil
}

func parseCert(d *ber.Decoder) (*Cert, error) {
	full, c, err := ber.Capture(d, func(d *ber.Decoder) (*Cert, error) {
		return ber.Sequence(d, parseCertContent)
	})
	if err != nil {
		return nil, err
	}
	c.raw = full
	return c, nil
}

func parseCertContent(d *ber.Decoder) (*Cert, error) {
	tbs, c, err := ber.Capture(d, func(d *ber.Decoder) (*Cert, error) {
		return ber.Sequence(d, parseTBSCertificate)
	})
	if err != nil {
		return nil, err
	}
	c.tbs = tbs

	sigAlg, err := parseSignatureAlgorithm(d)
	if err != nil {
		return nil, err
	}
	c.signatureAlg = sigAlg

	sig, err := ber.FilledBitString(d)
	if err != nil {
		return nil, err
	}
	c.signature = sig
	return c, nil
}

func parseTBSCertificate(d *ber.Decoder) (*Cert, error) {
	var c Cert

	if _, err := ber.ConstructedIf(d, ber.Context(0), func(d *ber.Decoder) (struct{}, error) {
		v, err := ber.U8(d)
		if err != nil {
			return struct{}{}, err
		}
		if v != 2 {
			return struct{}{}, ber.ErrMalformed
		}
		return struct{}{}, nil
	}); err != nil {
		return nil, err
	}

	serial, err := ber.Unsigned(d)
	if err != nil {
		return nil, err
	}
	c.serialNumber = serial

	if _, err := parseSignatureAlgorithm(d); err != nil {
		return nil, err
	}

	issuer, err := parseName(d)
	if err != nil {
		return nil, err
	}
	c.issuer = issuer

	validity, err := parseValidity(d)
	if err != nil {
		return nil, err
	}
	c.validity = validity

	subject, err := parseName(d)
	if err != nil {
		return nil, err
	}
	c.subject = subject

	spki, err := parseSubjectPublicKeyInfo(d)
	if err != nil {
		return nil, err
	}
	c.spki = spki

	// issuerUniqueID [1] and subjectUniqueID [2]: RPKI never uses them but
	// they are syntactically legal, so skip past if present.
	if _, err := ber.OptConstructedIf(d, ber.Context(1), func(d *ber.Decoder) (struct{}, error) {
		return struct{}{}, d.SkipAll()
	}); err != nil {
		return nil, err
	}
	if _, err := ber.OptConstructedIf(d, ber.Context(2), func(d *ber.Decoder) (struct{}, error) {
		return struct{}{}, d.SkipAll()
	}); err != nil {
		return nil, err
	}

	ext, err := ber.ConstructedIf(d, ber.Context(3), parseExtensions)
	if err != nil {
		return nil, err
	}
	c.ext = ext

	return &c, nil
}

// SerialNumber returns the certificate's serial number.
func (c *Cert) SerialNumber() *big.Int { return c.serialNumber }

// Validity returns the certificate's notBefore/notAfter pair.
func (c *Cert) Validity() Validity { return c.validity }

// IsCA reports whether the certificate carries CA basic constraints and
// the CA key usage bits, i.e. whether it should be processed as a CA
// certificate rather than an end-entity certificate.
func (c *Cert) IsCA() bool {
	return c.ext.basicCA != nil && *c.ext.basicCA && c.ext.keyUsageCA
}

// SubjectKeyIdentifier returns the raw 20-byte subject key identifier.
func (c *Cert) SubjectKeyIdentifier() []byte { return c.ext.subjectKeyID }

// PublicKey returns the certificate's RSA public key.
func (c *Cert) PublicKey() *rsa.PublicKey { return c.spki.PublicKey() }

// RawSubjectPublicKeyInfo returns the captured DER encoding of the
// certificate's SubjectPublicKeyInfo sequence.
func (c *Cert) RawSubjectPublicKeyInfo() []byte { return c.spki.RawDER() }

// ManifestURIs returns every rpkiManifest SIA access location.
func (c *Cert) ManifestURIs() []string {
	return c.ext.subjectInfoAccess.uris(oidAdRPKIManifest)
}

// RepositoryURI returns the first caRepository SIA access location, or ""
// if none is present.
func (c *Cert) RepositoryURI() string {
	uris := c.ext.subjectInfoAccess.uris(oidAdCARepository)
	if len(uris) == 0 {
		return ""
	}
	return uris[0]
}

// NotifyURI returns the first RRDP notification SIA access location, or ""
// if none is present.
func (c *Cert) NotifyURI() string {
	uris := c.ext.subjectInfoAccess.uris(oidAdRPKINotify)
	if len(uris) == 0 {
		return ""
	}
	return uris[0]
}

// CRLDistributionPoints returns the rsync URIs of the certificate's CRL
// distribution point, if any.
func (c *Cert) CRLDistributionPoints() []string { return c.ext.crlDistribution }

func invalid(reason string, args ...any) error {
	return rpkierr.Validationf(reason, args...)
}

// ResourceCert is a Cert that has passed top-down validation, with its IP
// and AS resources resolved into concrete sets (never "inherit").
type ResourceCert struct {
	Cert *Cert

	IPv4 resources.IPSet
	IPv6 resources.IPSet
	AS   resources.ASSet
}

// ValidateTA validates cert as a self-signed trust anchor certificate, per
// RFC 7730 section 3 step 2.
func ValidateTA(c *Cert) (*ResourceCert, error) {
	if err := c.validateBasics(); err != nil {
		return nil, err
	}
	if c.ext.extendedKeyUsage != nil {
		return nil, invalid("CA certificate must not carry an extended key usage extension")
	}
	if err := c.validateCABasics(); err != nil {
		return nil, err
	}
	if c.ext.authorityKeyID != nil && !bytesEqual(c.ext.authorityKeyID, c.ext.subjectKeyID) {
		return nil, invalid("trust anchor authority key identifier does not match its own subject key identifier")
	}
	if c.ext.crlDistribution != nil {
		return nil, invalid("trust anchor must not carry a CRL distribution point")
	}
	if c.ext.authorityInfoAccess != nil {
		return nil, invalid("trust anchor must not carry an authority information access extension")
	}
	if c.ext.ipResources != nil && resourceSetInherits(c.ext.ipResources) {
		return nil, invalid("trust anchor IP resources must not be \"inherit\"")
	}
	if c.ext.asResources != nil && c.ext.asResources.set.Inherit {
		return nil, invalid("trust anchor AS resources must not be \"inherit\"")
	}
	if err := verifyCertSignature(c, c.PublicKey()); err != nil {
		return nil, err
	}
	rc := newResourceCert(c)
	rc.IPv4 = resources.IPSet{Family: resources.FamilyIPv4}
	rc.IPv6 = resources.IPSet{Family: resources.FamilyIPv6}
	if c.ext.ipResources != nil {
		rc.IPv4 = c.ext.ipResources.v4
		rc.IPv6 = c.ext.ipResources.v6
	}
	if c.ext.asResources != nil {
		rc.AS = c.ext.asResources.set
	}
	return rc, nil
}

// ValidateCA validates cert as a CA certificate issued by issuer.
func ValidateCA(c *Cert, issuer *ResourceCert) (*ResourceCert, error) {
	if err := c.validateBasics(); err != nil {
		return nil, err
	}
	if c.ext.extendedKeyUsage != nil {
		return nil, invalid("CA certificate must not carry an extended key usage extension")
	}
	if err := c.validateCABasics(); err != nil {
		return nil, err
	}
	if err := c.validateIssued(issuer); err != nil {
		return nil, err
	}
	if err := verifyCertSignature(c, issuer.Cert.PublicKey()); err != nil {
		return nil, err
	}
	return c.validateResources(issuer)
}

// ValidateEE validates cert as an end-entity certificate issued by issuer
// (embedded in a signed object, or a router certificate).
func ValidateEE(c *Cert, issuer *ResourceCert) (*ResourceCert, error) {
	if err := c.validateBasics(); err != nil {
		return nil, err
	}
	if err := c.validateIssued(issuer); err != nil {
		return nil, err
	}
	if c.ext.basicCA != nil {
		return nil, invalid("end-entity certificate must not carry basic constraints")
	}
	if c.ext.keyUsageCA {
		return nil, invalid("end-entity certificate must not set the CA key usage bits")
	}
	if c.ext.subjectInfoAccess.ca {
		return nil, invalid("end-entity certificate must carry signedObject SIA, not CA SIA")
	}
	if c.ext.extendedKeyUsage != nil && !c.hasExtendedKeyUsage(oidKPBGPSecRouter) {
		return nil, invalid("end-entity certificate's extended key usage must be absent or the BGPsec router EKU")
	}
	if err := verifyCertSignature(c, issuer.Cert.PublicKey()); err != nil {
		return nil, err
	}
	return c.validateResources(issuer)
}

func (c *Cert) validateBasics() error {
	if !c.validity.validAt(time.Now()) {
		return invalid("certificate is outside its validity period")
	}
	want := c.spki.keyIdentifier()
	if len(c.ext.subjectKeyID) != 20 || !bytesEqual(c.ext.subjectKeyID, want[:]) {
		return invalid("subject key identifier does not match the SHA-1 digest of the public key")
	}
	return nil
}

// hasExtendedKeyUsage reports whether cert carries an extended key usage
// extension naming exactly oid and nothing else.
func (c *Cert) hasExtendedKeyUsage(oid ber.OID) bool {
	return len(c.ext.extendedKeyUsage) == 1 && c.ext.extendedKeyUsage[0].Equal(oid)
}

func (c *Cert) validateCABasics() error {
	if c.ext.basicCA == nil || !*c.ext.basicCA {
		return invalid("CA certificate must carry basic constraints with cA set")
	}
	if !c.ext.keyUsageCA {
		return invalid("CA certificate must set the CA key usage bits")
	}
	if !c.ext.subjectInfoAccess.ca {
		return invalid("CA certificate must carry CA-flavoured SIA entries")
	}
	return nil
}

func (c *Cert) validateIssued(issuer *ResourceCert) error {
	if c.ext.authorityKeyID == nil {
		return invalid("issued certificate must carry an authority key identifier")
	}
	if !bytesEqual(c.ext.authorityKeyID, issuer.Cert.ext.subjectKeyID) {
		return invalid("authority key identifier does not match issuer's subject key identifier")
	}
	if c.ext.crlDistribution == nil {
		return invalid("issued certificate must carry a CRL distribution point")
	}
	if c.ext.authorityInfoAccess == nil {
		return invalid("issued certificate must carry an authority information access extension")
	}
	return nil
}

func (c *Cert) validateResources(issuer *ResourceCert) (*ResourceCert, error) {
	rc := newResourceCert(c)

	if c.ext.ipResources != nil {
		if c.ext.ipResources.v4.Inherit {
			rc.IPv4 = issuer.IPv4
		} else {
			if !resources.EncompassesIP(issuer.IPv4, c.ext.ipResources.v4) {
				return nil, invalid("certificate's IPv4 resources are not encompassed by its issuer's")
			}
			rc.IPv4 = c.ext.ipResources.v4
		}
		if c.ext.ipResources.v6.Inherit {
			rc.IPv6 = issuer.IPv6
		} else {
			if !resources.EncompassesIP(issuer.IPv6, c.ext.ipResources.v6) {
				return nil, invalid("certificate's IPv6 resources are not encompassed by its issuer's")
			}
			rc.IPv6 = c.ext.ipResources.v6
		}
	} else {
		rc.IPv4 = resources.IPSet{Family: resources.FamilyIPv4}
		rc.IPv6 = resources.IPSet{Family: resources.FamilyIPv6}
	}

	if c.ext.asResources != nil {
		if c.ext.asResources.set.Inherit {
			rc.AS = issuer.AS
		} else {
			if !resources.EncompassesAS(issuer.AS, c.ext.asResources.set) {
				return nil, invalid("certificate's AS resources are not encompassed by its issuer's")
			}
			rc.AS = c.ext.asResources.set
		}
	}

	return rc, nil
}

func newResourceCert(c *Cert) *ResourceCert {
	return &ResourceCert{Cert: c}
}

func resourceSetInherits(ext *ipResourcesExt) bool {
	return ext.v4.Inherit || ext.v6.Inherit
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// verifyCertSignature checks the certificate's own signature over its
// tbsCertificate bytes against the given issuer public key.
func verifyCertSignature(c *Cert, issuerKey *rsa.PublicKey) error {
	digest := sha256.Sum256(c.tbs)
	if err := rsa.VerifyPKCS1v15(issuerKey, crypto.SHA256, digest[:], c.signature); err != nil {
		return invalid("signature verification failed")
	}
	return nil
}
