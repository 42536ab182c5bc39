package rpki

import (
	"github.com/cuemby/rpkid/pkg/ber"
	"github.com/cuemby/rpkid/pkg/resources"
)

// sia is a parsed Subject Information Access extension: every access
// description's (method OID, URI) pair, plus whether the set as a whole is
// the CA flavour (caRepository/rpkiManifest) or the EE flavour
// (signedObject) — RFC 6487 forbids mixing the two.
type sia struct {
	entries []siaEntry
	ca      bool
}

type siaEntry struct {
	method ber.OID
	uri    string
}

// uris returns every access location whose method OID matches want.
func (s sia) uris(want ber.OID) []string {
	var out []string
	for _, e := range s.entries {
		if e.method.Equal(want) {
			out = append(out, e.uri)
		}
	}
	return out
}

// extensions holds every RFC 6487 extension this implementation checks.
// basicCA is a pointer and authorityKeyID a slice that stays nil when the
// extension is missing, so "absent" is distinct from "present with the
// zero value", which several validation rules depend on.
type extensions struct {
	basicCA             *bool
	subjectKeyID        []byte
	authorityKeyID      []byte
	keyUsageCA          bool
	extendedKeyUsage    []ber.OID
	crlDistribution     []string
	authorityInfoAccess []string
	subjectInfoAccess   sia
	ipResources         *ipResourcesExt
	asResources         *asResourcesExt
}

// ipResourcesExt and asResourcesExt wrap the parsed resource extensions;
// a nil pointer in extensions means the extension was entirely absent,
// distinct from an extension present with a per-family "inherit" entry.
type ipResourcesExt struct {
	v4, v6 resources.IPSet
}

type asResourcesExt struct {
	set resources.ASSet
}

func parseExtensions(d *ber.Decoder) (extensions, error) {
	return ber.Sequence(d, func(d *ber.Decoder) (extensions, error) {
		var ext extensions
		var sawIPResources, sawASResources bool
		var sawBasicCA, sawSKI, sawAKI, sawKeyUsage bool
		var sawEKU, sawCRLDP, sawAIA, sawSIA, sawPolicies bool

		for {
			more, err := ber.OptSequence(d, func(d *ber.Decoder) (struct{}, error) {
				id, err := ber.TakeOID(d)
				if err != nil {
					return struct{}{}, err
				}
				critical, err := optBool(d)
				if err != nil {
					return struct{}{}, err
				}
				value, err := ber.OctetString(d)
				if err != nil {
					return struct{}{}, err
				}
				switch {
				case id.Equal(oidCeBasicConstraints):
					if sawBasicCA {
						return struct{}{}, ber.ErrMalformed
					}
					sawBasicCA = true
					return struct{}{}, parseBasicConstraints(value, &ext)
				case id.Equal(oidCeSubjectKeyIdentifier):
					if sawSKI {
						return struct{}{}, ber.ErrMalformed
					}
					sawSKI = true
					return struct{}{}, parseSubjectKeyID(value, &ext)
				case id.Equal(oidCeAuthorityKeyIdentifier):
					if sawAKI {
						return struct{}{}, ber.ErrMalformed
					}
					sawAKI = true
					return struct{}{}, parseAuthorityKeyID(value, &ext)
				case id.Equal(oidCeKeyUsage):
					if sawKeyUsage {
						return struct{}{}, ber.ErrMalformed
					}
					sawKeyUsage = true
					return struct{}{}, parseKeyUsage(value, &ext)
				case id.Equal(oidCeExtendedKeyUsage):
					if sawEKU {
						return struct{}{}, ber.ErrMalformed
					}
					sawEKU = true
					return struct{}{}, parseExtendedKeyUsage(value, &ext)
				case id.Equal(oidCeCRLDistributionPoints):
					if sawCRLDP {
						return struct{}{}, ber.ErrMalformed
					}
					sawCRLDP = true
					return struct{}{}, parseCRLDistributionPoints(value, &ext)
				case id.Equal(oidPeAuthorityInfoAccess):
					if sawAIA {
						return struct{}{}, ber.ErrMalformed
					}
					sawAIA = true
					return struct{}{}, parseAuthorityInfoAccess(value, &ext)
				case id.Equal(oidPeSubjectInfoAccess):
					if sawSIA {
						return struct{}{}, ber.ErrMalformed
					}
					sawSIA = true
					return struct{}{}, parseSubjectInfoAccess(value, &ext)
				case id.Equal(oidCeCertificatePolicies):
					if sawPolicies {
						return struct{}{}, ber.ErrMalformed
					}
					sawPolicies = true
					return struct{}{}, checkCertificatePolicies(value)
				case id.Equal(oidPeIPAddrBlock):
					if sawIPResources {
						return struct{}{}, ber.ErrMalformed
					}
					sawIPResources = true
					return struct{}{}, parseIPResourcesExtension(value, &ext)
				case id.Equal(oidPeAutonomousSysIDs):
					if sawASResources {
						return struct{}{}, ber.ErrMalformed
					}
					sawASResources = true
					return struct{}{}, parseASResourcesExtension(value, &ext)
				case critical:
					return struct{}{}, ber.ErrMalformed
				default:
					return struct{}{}, nil
				}
			})
			if err != nil {
				return extensions{}, err
			}
			if more == nil {
				break
			}
		}

		if !sawIPResources && !sawASResources {
			return extensions{}, ber.ErrMalformed
		}
		if !sawSKI {
			return extensions{}, ber.ErrMalformed
		}
		if !sawKeyUsage {
			return extensions{}, ber.ErrMalformed
		}
		if !sawSIA {
			return extensions{}, ber.ErrMalformed
		}
		if !sawPolicies {
			return extensions{}, ber.ErrMalformed
		}
		return ext, nil
	})
}

func optBool(d *ber.Decoder) (bool, error) {
	res, err := ber.OptPrimitiveIf(d, ber.TagBoolean, func(v []byte) (bool, error) {
		if len(v) != 1 {
			return false, ber.ErrMalformed
		}
		return v[0] != 0, nil
	})
	if err != nil {
		return false, err
	}
	if res == nil {
		return false, nil
	}
	return *res, nil
}

func parseBasicConstraints(value []byte, ext *extensions) error {
	ca, err := ber.Parse(value, ber.ModeDER, func(d *ber.Decoder) (bool, error) {
		return ber.Sequence(d, func(d *ber.Decoder) (bool, error) {
			ca, err := optBool(d)
			if err != nil {
				return false, err
			}
			// pathLenConstraint must not be present in the RPKI profile.
			if d.PeekTag(ber.TagInteger) {
				return false, ber.ErrMalformed
			}
			return ca, nil
		})
	})
	if err != nil {
		return err
	}
	ext.basicCA = &ca
	return nil
}

func parseSubjectKeyID(value []byte, ext *extensions) error {
	id, err := ber.Parse(value, ber.ModeDER, ber.OctetString)
	if err != nil {
		return err
	}
	if len(id) != 20 {
		return ber.ErrMalformed
	}
	ext.subjectKeyID = id
	return nil
}

// parseAuthorityKeyID reads the mandatory keyIdentifier field, [0]
// IMPLICIT OCTET STRING; any trailing authorityCertIssuer/SerialNumber
// fields (never present in RPKI) are skipped.
func parseAuthorityKeyID(value []byte, ext *extensions) error {
	id, err := ber.Parse(value, ber.ModeDER, func(d *ber.Decoder) ([]byte, error) {
		return ber.Sequence(d, func(d *ber.Decoder) ([]byte, error) {
			id, err := ber.PrimitiveIf(d, ber.Context(0), func(v []byte) ([]byte, error) {
				return append([]byte(nil), v...), nil
			})
			if err != nil {
				return nil, err
			}
			if err := d.SkipAll(); err != nil {
				return nil, err
			}
			return id, nil
		})
	})
	if err != nil {
		return err
	}
	if len(id) != 20 {
		return ber.ErrMalformed
	}
	ext.authorityKeyID = id
	return nil
}

func parseKeyUsage(value []byte, ext *extensions) error {
	ca, err := ber.Parse(value, ber.ModeDER, func(d *ber.Decoder) (bool, error) {
		bits, err := ber.TakeBitString(d)
		if err != nil {
			return false, err
		}
		keyCertSign, _ := bits.Bit(5)
		crlSign, _ := bits.Bit(6)
		digitalSignature, _ := bits.Bit(0)
		switch {
		case keyCertSign && crlSign:
			return true, nil
		case digitalSignature:
			return false, nil
		default:
			return false, ber.ErrMalformed
		}
	})
	if err != nil {
		return err
	}
	ext.keyUsageCA = ca
	return nil
}

func parseExtendedKeyUsage(value []byte, ext *extensions) error {
	oids, err := ber.Parse(value, ber.ModeDER, func(d *ber.Decoder) ([]ber.OID, error) {
		return ber.Sequence(d, func(d *ber.Decoder) ([]ber.OID, error) {
			var out []ber.OID
			for {
				oid, err := ber.TakeOID(d)
				if err != nil {
					if len(out) == 0 {
						return nil, err
					}
					break
				}
				out = append(out, oid)
			}
			return out, nil
		})
	})
	if err != nil {
		return err
	}
	ext.extendedKeyUsage = oids
	return nil
}

// parseCRLDistributionPoints accepts exactly one DistributionPoint whose
// distributionPoint field is present and is a fullName GeneralNames made
// up only of uniformResourceIdentifier choices.
func parseCRLDistributionPoints(value []byte, ext *extensions) error {
	uris, err := ber.Parse(value, ber.ModeDER, func(d *ber.Decoder) ([]string, error) {
		return ber.Sequence(d, func(d *ber.Decoder) ([]string, error) {
			return ber.Sequence(d, func(d *ber.Decoder) ([]string, error) {
				return ber.ConstructedIf(d, ber.Context(0), func(d *ber.Decoder) ([]string, error) {
					return ber.ConstructedIf(d, ber.Context(0), parseURIGeneralNames)
				})
			})
		})
	})
	if err != nil {
		return err
	}
	ext.crlDistribution = uris
	return nil
}

func parseAuthorityInfoAccess(value []byte, ext *extensions) error {
	uris, err := ber.Parse(value, ber.ModeDER, func(d *ber.Decoder) ([]string, error) {
		return ber.Sequence(d, func(d *ber.Decoder) ([]string, error) {
			return ber.Sequence(d, func(d *ber.Decoder) ([]string, error) {
				oid, err := ber.TakeOID(d)
				if err != nil {
					return nil, err
				}
				if !oid.Equal(oidAdCAIssuers) {
					return nil, ber.ErrMalformed
				}
				uri, err := takeURIGeneralName(d)
				if err != nil {
					return nil, err
				}
				return []string{uri}, nil
			})
		})
	})
	if err != nil {
		return err
	}
	ext.authorityInfoAccess = uris
	return nil
}

func parseSubjectInfoAccess(value []byte, ext *extensions) error {
	s, err := ber.Parse(value, ber.ModeDER, func(d *ber.Decoder) (sia, error) {
		return ber.Sequence(d, parseSIAContent)
	})
	if err != nil {
		return err
	}
	ext.subjectInfoAccess = s
	return nil
}

func parseSIAContent(d *ber.Decoder) (sia, error) {
	var out sia
	haveCA := false
	haveEE := false
	for {
		entry, err := ber.OptSequence(d, func(d *ber.Decoder) (siaEntry, error) {
			oid, err := ber.TakeOID(d)
			if err != nil {
				return siaEntry{}, err
			}
			uri, err := takeURIGeneralName(d)
			if err != nil {
				return siaEntry{}, err
			}
			return siaEntry{method: oid, uri: uri}, nil
		})
		if err != nil {
			return sia{}, err
		}
		if entry == nil {
			break
		}
		switch {
		case entry.method.Equal(oidAdCARepository) || entry.method.Equal(oidAdRPKIManifest) || entry.method.Equal(oidAdRPKINotify):
			if haveEE {
				return sia{}, ber.ErrMalformed
			}
			haveCA = true
		case entry.method.Equal(oidAdSignedObject):
			if haveCA {
				return sia{}, ber.ErrMalformed
			}
			haveEE = true
		}
		out.entries = append(out.entries, *entry)
	}
	if len(out.entries) == 0 {
		return sia{}, ber.ErrMalformed
	}
	out.ca = haveCA
	return out, nil
}

// checkCertificatePolicies requires the extension to contain exactly the
// RPKI certificate policy OID and nothing else; the full grammar allows
// policy qualifiers, but RFC 6484 forbids RPKI certificates from using any.
func checkCertificatePolicies(value []byte) error {
	_, err := ber.Parse(value, ber.ModeDER, func(d *ber.Decoder) (struct{}, error) {
		return ber.Sequence(d, func(d *ber.Decoder) (struct{}, error) {
			return ber.Sequence(d, func(d *ber.Decoder) (struct{}, error) {
				oid, err := ber.TakeOID(d)
				if err != nil {
					return struct{}{}, err
				}
				if !oid.Equal(oidCertificatePolicyRPKI) {
					return struct{}{}, ber.ErrMalformed
				}
				return struct{}{}, nil
			})
		})
	})
	return err
}

func parseIPResourcesExtension(value []byte, ext *extensions) error {
	parsed, err := ber.Parse(value, ber.ModeDER, func(d *ber.Decoder) (ipResourcesExt, error) {
		v4, v6, err := parseIPResources(d)
		if err != nil {
			return ipResourcesExt{}, err
		}
		return ipResourcesExt{v4: v4, v6: v6}, nil
	})
	if err != nil {
		return err
	}
	ext.ipResources = &parsed
	return nil
}

func parseASResourcesExtension(value []byte, ext *extensions) error {
	set, err := ber.Parse(value, ber.ModeDER, parseASResources)
	if err != nil {
		return err
	}
	ext.asResources = &asResourcesExt{set: set}
	return nil
}

func parseURIGeneralNames(d *ber.Decoder) ([]string, error) {
	var out []string
	for {
		uri, ok, err := optURIGeneralName(d)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		out = append(out, uri)
	}
	if len(out) == 0 {
		return nil, ber.ErrMalformed
	}
	return out, nil
}

func takeURIGeneralName(d *ber.Decoder) (string, error) {
	return ber.PrimitiveIf(d, ber.Context(6), func(v []byte) (string, error) {
		if !isASCII(v) {
			return "", ber.ErrMalformed
		}
		return string(v), nil
	})
}

func optURIGeneralName(d *ber.Decoder) (string, bool, error) {
	res, err := ber.OptPrimitiveIf(d, ber.Context(6), func(v []byte) (string, error) {
		if !isASCII(v) {
			return "", ber.ErrMalformed
		}
		return string(v), nil
	})
	if err != nil {
		return "", false, err
	}
	if res == nil {
		return "", false, nil
	}
	return *res, true, nil
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c > 0x7f {
			return false
		}
	}
	return true
}
