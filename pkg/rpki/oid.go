package rpki

import "github.com/cuemby/rpkid/pkg/ber"

// Object identifiers this package recognises, as raw DER content octets
// (the bytes following the OBJECT IDENTIFIER tag and length). Grouped by
// the RFC that defines them.
var (
	oidSHA256WithRSAEncryption = ber.OID{42, 134, 72, 134, 247, 13, 1, 1, 11}
	oidRSAEncryption           = ber.OID{42, 134, 72, 134, 247, 13, 1, 1, 1}
	oidSHA256                  = ber.OID{96, 134, 72, 1, 101, 3, 4, 2, 1}

	oidCeSubjectKeyIdentifier   = ber.OID{85, 29, 14}
	oidCeKeyUsage               = ber.OID{85, 29, 15}
	oidCeBasicConstraints       = ber.OID{85, 29, 19}
	oidCeCRLDistributionPoints  = ber.OID{85, 29, 31}
	oidCeCertificatePolicies    = ber.OID{85, 29, 32}
	oidCeAuthorityKeyIdentifier = ber.OID{85, 29, 35}
	oidCeExtendedKeyUsage       = ber.OID{85, 29, 37}
	oidCeCRLNumber              = ber.OID{85, 29, 20}

	oidPeAuthorityInfoAccess = ber.OID{43, 6, 1, 5, 5, 7, 1, 1}
	oidPeIPAddrBlock         = ber.OID{43, 6, 1, 5, 5, 7, 1, 7}
	oidPeAutonomousSysIDs    = ber.OID{43, 6, 1, 5, 5, 7, 1, 8}
	oidPeSubjectInfoAccess   = ber.OID{43, 6, 1, 5, 5, 7, 1, 11}

	oidAdCAIssuers    = ber.OID{43, 6, 1, 5, 5, 7, 48, 2}
	oidAdCARepository = ber.OID{43, 6, 1, 5, 5, 7, 48, 5}
	oidAdRPKIManifest = ber.OID{43, 6, 1, 5, 5, 7, 48, 10}
	oidAdSignedObject = ber.OID{43, 6, 1, 5, 5, 7, 48, 11}
	oidAdRPKINotify   = ber.OID{43, 6, 1, 5, 5, 7, 48, 13}

	oidCertificatePolicyRPKI = ber.OID{43, 6, 1, 5, 5, 7, 14, 2}

	// RFC 6488 signed-object container (CMS profile).
	oidSignedData = ber.OID{42, 134, 72, 134, 247, 13, 1, 7, 2}

	oidContentType         = ber.OID{42, 134, 72, 134, 247, 13, 1, 9, 3}
	oidMessageDigest       = ber.OID{42, 134, 72, 134, 247, 13, 1, 9, 4}
	oidSigningTime         = ber.OID{42, 134, 72, 134, 247, 13, 1, 9, 5}
	oidAABinarySigningTime = ber.OID{42, 134, 72, 134, 247, 13, 1, 9, 16, 2, 46}

	// Signed-object content-type OIDs (RFC 6482 id-ct-routeOriginAuthz,
	// RFC 6486 id-ct-rpkiManifest, RFC 9582 id-ct-ASPA).
	oidContentTypeROA      = ber.OID{42, 134, 72, 134, 247, 13, 1, 9, 16, 1, 24}
	oidContentTypeManifest = ber.OID{42, 134, 72, 134, 247, 13, 1, 9, 16, 1, 26}
	oidContentTypeASPA     = ber.OID{42, 134, 72, 134, 247, 13, 1, 9, 16, 1, 49}

	// Extended Key Usage for BGPsec router certificates (RFC 8209).
	oidKPBGPSecRouter = ber.OID{43, 6, 1, 5, 5, 7, 3, 30}
)
