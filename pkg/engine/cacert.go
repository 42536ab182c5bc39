package engine

import (
	"errors"
	"fmt"

	"github.com/cuemby/rpkid/pkg/rpki"
	"github.com/cuemby/rpkid/pkg/uri"
)

// CaCert is a validated CA certificate placed in the chain from its
// trust anchor, carrying the bits of it the engine consults repeatedly
// during publication point processing without having to re-derive them
// from the certificate's extensions each time.
type CaCert struct {
	Cert *rpki.ResourceCert

	// Location is where this certificate itself was retrieved from: a
	// TAL URI for a trust anchor, the rsync URI it was published under
	// otherwise.
	Location string

	CARepository uri.URI
	RPKIManifest uri.URI
	RPKINotify   *uri.URI

	Parent   *CaCert
	ChainLen int
	TALName  string
	TALIndex int
}

// ErrChainTooDeep is returned by ChainCaCert when a child would exceed
// the configured maximum chain depth.
var ErrChainTooDeep = errors.New("engine: CA chain exceeds maximum depth")

// RootCaCert builds the CaCert for a validated trust anchor certificate.
func RootCaCert(cert *rpki.ResourceCert, talURI, talName string, talIndex int) (*CaCert, error) {
	return newCaCert(cert, talURI, nil, 0, talName, talIndex)
}

// ChainCaCert builds the CaCert for a CA certificate issued somewhere
// below a trust anchor, refusing the chain if it has grown too deep.
func ChainCaCert(issuer *CaCert, objURI uri.URI, cert *rpki.ResourceCert, maxDepth int) (*CaCert, error) {
	chainLen := issuer.ChainLen + 1
	if chainLen > maxDepth {
		return nil, fmt.Errorf("%w: %s at depth %d", ErrChainTooDeep, objURI, chainLen)
	}
	child, err := newCaCert(cert, objURI.String(), issuer, chainLen, issuer.TALName, issuer.TALIndex)
	if err != nil {
		return nil, err
	}
	return child, nil
}

func newCaCert(cert *rpki.ResourceCert, location string, parent *CaCert, chainLen int, talName string, talIndex int) (*CaCert, error) {
	repoRaw := cert.Cert.RepositoryURI()
	if repoRaw == "" {
		return nil, fmt.Errorf("engine: CA cert %s has no caRepository SIA entry", location)
	}
	caRepo, err := uri.Parse(repoRaw)
	if err != nil {
		return nil, fmt.Errorf("engine: CA cert %s has an invalid caRepository URI: %w", location, err)
	}

	mftURIs := cert.Cert.ManifestURIs()
	if len(mftURIs) == 0 {
		return nil, fmt.Errorf("engine: CA cert %s has no rpkiManifest SIA entry", location)
	}
	mft, err := uri.Parse(mftURIs[0])
	if err != nil {
		return nil, fmt.Errorf("engine: CA cert %s has an invalid rpkiManifest URI: %w", location, err)
	}

	var notify *uri.URI
	if raw := cert.Cert.NotifyURI(); raw != "" {
		n, err := uri.Parse(raw)
		if err == nil {
			notify = &n
		}
	}

	return &CaCert{
		Cert:         cert,
		Location:     location,
		CARepository: caRepo,
		RPKIManifest: mft,
		RPKINotify:   notify,
		Parent:       parent,
		ChainLen:     chainLen,
		TALName:      talName,
		TALIndex:     talIndex,
	}, nil
}

// CheckLoop reports whether child's subject key identifier already
// appears somewhere in c's ancestor chain (including c itself), which
// would mean child closes a cycle back up to its own issuer.
func (c *CaCert) CheckLoop(child *rpki.Cert) bool {
	key := string(child.SubjectKeyIdentifier())
	for cur := c; cur != nil; cur = cur.Parent {
		if string(cur.Cert.Cert.SubjectKeyIdentifier()) == key {
			return true
		}
	}
	return false
}

// RepositorySwitch reports whether c's publication point lives in a
// different repository than its parent's, which is the trigger for
// deferring c's processing task until its own repository has been
// fetched.
func (c *CaCert) RepositorySwitch() bool {
	if c.Parent == nil {
		return true
	}
	if c.RPKINotify != nil || c.Parent.RPKINotify != nil {
		if c.RPKINotify == nil || c.Parent.RPKINotify == nil {
			return true
		}
		return !c.RPKINotify.Equal(*c.Parent.RPKINotify)
	}
	mod, _, err := c.CARepository.Module()
	if err != nil {
		return true
	}
	parentMod, _, err := c.Parent.CARepository.Module()
	if err != nil {
		return true
	}
	return mod != parentMod
}
