package rpki

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/rpkid/pkg/ber"
	"github.com/cuemby/rpkid/pkg/rpkierr"
)

// serialCacheThreshold is the revoked-certificate count above which
// Contains switches from a linear scan of the decoded serials to a
// sorted copy and binary search.
const serialCacheThreshold = 50

// CRL is a parsed but not yet validated RPKI certificate revocation
// list, the RFC 6487 profile of the RFC 5280 CertificateList.
type CRL struct {
	raw          []byte
	tbs          []byte
	signatureAlg SignatureAlgorithm
	signature    []byte

	issuer     Name
	thisUpdate time.Time
	nextUpdate time.Time

	authorityKeyID []byte
	crlNumber      *big.Int

	// revoked is the captured DER content of the revokedCertificates
	// SEQUENCE OF CRLEntry, decoded lazily by Contains.
	revoked []byte

	cacheOnce     sync.Once
	serials       []*big.Int // every revoked serial, decode order
	sortedSerials []*big.Int // non-nil only once len(serials) > serialCacheThreshold
}

// ParseCRL decodes a CertificateList from its DER encoding.
func ParseCRL(der []byte) (*CRL, error) {
	c, err := ber.Parse(der, ber.ModeDER, parseCRL)
	if err != nil {
		return nil, rpkierr.New(rpkierr.KindDecode, err)
	}
	return c, nil
}

func parseCRL(d *ber.Decoder) (*CRL, error) {
	full, c, err := ber.Capture(d, func(d *ber.Decoder) (*CRL, error) {
		return ber.Sequence(d, parseCRLContent)
	})
	if err != nil {
		return nil, err
	}
	c.raw = full
	return c, nil
}

func parseCRLContent(d *ber.Decoder) (*CRL, error) {
	tbs, c, err := ber.Capture(d, func(d *ber.Decoder) (*CRL, error) {
		return ber.Sequence(d, parseTBSCertList)
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

func parseTBSCertList(d *ber.Decoder) (*CRL, error) {
	var c CRL

	// version is OPTIONAL and defaults to v1; RPKI CRLs always carry
	// extensions, so it is always present and always v2 (encoded 1).
	if _, err := ber.OptPrimitiveIf(d, ber.TagInteger, func(v []byte) (struct{}, error) {
		n, err := parseUint32Body(v)
		if err != nil {
			return struct{}{}, err
		}
		if n != 1 {
			return struct{}{}, ber.ErrMalformed
		}
		return struct{}{}, nil
	}); err != nil {
		return nil, err
	}

	if _, err := parseSignatureAlgorithm(d); err != nil {
		return nil, err
	}

	issuer, err := parseName(d)
	if err != nil {
		return nil, err
	}
	c.issuer = issuer

	thisUpdate, err := parseTime(d)
	if err != nil {
		return nil, err
	}
	c.thisUpdate = thisUpdate

	nextUpdate, ok, err := optTime(d)
	if err != nil {
		return nil, err
	}
	if ok {
		c.nextUpdate = nextUpdate
	}

	revoked, _, err := ber.Capture(d, func(d *ber.Decoder) (struct{}, error) {
		return struct{}{}, eachOptCRLEntry(d, func(*big.Int, time.Time) error { return nil })
	})
	if err != nil {
		return nil, err
	}
	c.revoked = revoked

	ext, err := ber.ConstructedIf(d, ber.Context(0), parseCRLExtensions)
	if err != nil {
		return nil, err
	}
	c.authorityKeyID = ext.authorityKeyID
	c.crlNumber = ext.crlNumber

	return &c, nil
}

func optTime(d *ber.Decoder) (time.Time, bool, error) {
	if d.PeekTag(ber.TagUTCTime) {
		t, err := ber.UTCTime(d)
		return t, true, err
	}
	if d.PeekTag(ber.TagGeneralizedTime) {
		t, err := ber.GeneralizedTime(d)
		return t, true, err
	}
	return time.Time{}, false, nil
}

// eachOptCRLEntry runs f over every CRLEntry { userCertificate, revocationDate }
// in a trailing run; crlEntryExtensions are forbidden by RFC 6487, so any
// trailing bytes left inside an entry's SEQUENCE are rejected by Sequence
// itself.
type crlEntry struct {
	serial  *big.Int
	revoked time.Time
}

func eachOptCRLEntry(d *ber.Decoder, f func(serial *big.Int, revoked time.Time) error) error {
	for {
		entry, err := ber.OptSequence(d, func(d *ber.Decoder) (crlEntry, error) {
			serial, err := ber.Unsigned(d)
			if err != nil {
				return crlEntry{}, err
			}
			revoked, err := parseTime(d)
			if err != nil {
				return crlEntry{}, err
			}
			return crlEntry{serial, revoked}, nil
		})
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		if err := f(entry.serial, entry.revoked); err != nil {
			return err
		}
	}
}

type crlExtensions struct {
	authorityKeyID []byte
	crlNumber      *big.Int
}

// parseCRLExtensions decodes the crlExtensions [0] field. RFC 6487
// permits exactly two extensions on an RPKI CRL: authority key
// identifier and CRL number, both mandatory; anything else (even
// non-critical) is a profile violation.
func parseCRLExtensions(d *ber.Decoder) (crlExtensions, error) {
	return ber.Sequence(d, func(d *ber.Decoder) (crlExtensions, error) {
		var ext crlExtensions
		var sawAKI, sawNumber bool
		for {
			entry, err := ber.OptSequence(d, func(d *ber.Decoder) (struct{}, error) {
				id, err := ber.TakeOID(d)
				if err != nil {
					return struct{}{}, err
				}
				if _, err := optBool(d); err != nil {
					return struct{}{}, err
				}
				value, err := ber.OctetString(d)
				if err != nil {
					return struct{}{}, err
				}
				switch {
				case id.Equal(oidCeAuthorityKeyIdentifier):
					if sawAKI {
						return struct{}{}, ber.ErrMalformed
					}
					sawAKI = true
					aki, err := ber.Parse(value, ber.ModeDER, func(d *ber.Decoder) ([]byte, error) {
						return ber.Sequence(d, func(d *ber.Decoder) ([]byte, error) {
							return ber.PrimitiveIf(d, ber.Context(0), func(v []byte) ([]byte, error) {
								return append([]byte(nil), v...), nil
							})
						})
					})
					if err != nil {
						return struct{}{}, err
					}
					if len(aki) != 20 {
						return struct{}{}, ber.ErrMalformed
					}
					ext.authorityKeyID = aki
				case id.Equal(oidCeCRLNumber):
					if sawNumber {
						return struct{}{}, ber.ErrMalformed
					}
					sawNumber = true
					n, err := ber.Parse(value, ber.ModeDER, ber.Unsigned)
					if err != nil {
						return struct{}{}, err
					}
					ext.crlNumber = n
				default:
					// RFC 6487 allows no other CRL extensions, critical or not.
					return struct{}{}, ber.ErrMalformed
				}
				return struct{}{}, nil
			})
			if err != nil {
				return crlExtensions{}, err
			}
			if entry == nil {
				break
			}
		}
		if !sawAKI || !sawNumber {
			return crlExtensions{}, ber.ErrMalformed
		}
		return ext, nil
	})
}

// Issuer returns the raw encoded issuer Name.
func (c *CRL) Issuer() Name { return c.issuer }

// ThisUpdate returns the time this version of the CRL was issued.
func (c *CRL) ThisUpdate() time.Time { return c.thisUpdate }

// NextUpdate returns the time by which a newer CRL is expected.
func (c *CRL) NextUpdate() time.Time { return c.nextUpdate }

// AuthorityKeyIdentifier returns the 20-byte key identifier of the
// certificate that issued this CRL.
func (c *CRL) AuthorityKeyIdentifier() []byte { return c.authorityKeyID }

// Number returns the CRL's monotonically increasing CRL number.
func (c *CRL) Number() *big.Int { return c.crlNumber }

// Validate checks the CRL's signature against issuer's public key.
func (c *CRL) Validate(issuer *Cert) error {
	digest := sha256.Sum256(c.tbs)
	if err := rsa.VerifyPKCS1v15(issuer.PublicKey(), crypto.SHA256, digest[:], c.signature); err != nil {
		return rpkierr.Validationf("CRL signature verification failed")
	}
	return nil
}

// Contains reports whether serial is on the revocation list.
func (c *CRL) Contains(serial *big.Int) bool {
	c.cacheOnce.Do(c.loadSerials)
	if c.sortedSerials != nil {
		i := sort.Search(len(c.sortedSerials), func(i int) bool {
			return c.sortedSerials[i].Cmp(serial) >= 0
		})
		return i < len(c.sortedSerials) && c.sortedSerials[i].Cmp(serial) == 0
	}
	for _, s := range c.serials {
		if s.Cmp(serial) == 0 {
			return true
		}
	}
	return false
}

// loadSerials decodes every entry once, on first use; below the caching
// threshold a linear scan of this slice on every Contains call is cheap
// enough that no sorted copy is worth keeping.
func (c *CRL) loadSerials() {
	var serials []*big.Int
	_, _ = ber.Parse(c.revoked, ber.ModeDER, func(d *ber.Decoder) (struct{}, error) {
		err := eachOptCRLEntry(d, func(serial *big.Int, _ time.Time) error {
			serials = append(serials, serial)
			return nil
		})
		return struct{}{}, err
	})
	c.serials = serials
	if len(serials) > serialCacheThreshold {
		sorted := append([]*big.Int(nil), serials...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cmp(sorted[j]) < 0 })
		c.sortedSerials = sorted
	}
}
