package engine

import (
	"time"

	"github.com/cuemby/rpkid/pkg/rpki"
	"github.com/cuemby/rpkid/pkg/uri"
)

// RunProcessor is the entry point a caller supplies to bootstrap a run:
// given a validated trust anchor, it either declines to process it
// (returning ok=false) or returns the PubPointProcessor that will
// receive everything found under it.
type RunProcessor interface {
	ProcessTA(tal *rpki.TAL, talURI uri.URI, ca *CaCert, talIndex int) (proc PubPointProcessor, ok bool, err error)
}

// PubPointProcessor receives the valid contents of one publication
// point as the engine walks it. Exactly one of Commit or Cancel is
// called on a given instance, exactly once, once the point has been
// fully processed or rejected. Implementations must be safe for the
// concurrent use the worker pool subjects them to only insofar as a
// single instance is never shared between two publication points: the
// engine hands out a fresh instance (via ProcessCA) per child.
type PubPointProcessor interface {
	// RepositoryIndex records which repository (by metrics index) this
	// point's objects should be attributed to.
	RepositoryIndex(idx int)

	// UpdateRefresh is called with a manifest's nextUpdate time so the
	// caller can track the soonest a refresh would be worthwhile.
	UpdateRefresh(t time.Time)

	// Want reports whether the object at objURI is of interest at all;
	// returning false lets the engine skip it without decoding.
	Want(objURI uri.URI) bool

	// ProcessCA is called for a validated child CA certificate found on
	// the manifest. Returning ok=false means the processor doesn't want
	// this branch explored further (not an error); the returned
	// processor, if ok, is the one that will receive that child's own
	// publication point contents.
	ProcessCA(objURI uri.URI, ca *CaCert) (child PubPointProcessor, ok bool, err error)

	// ProcessEECert is called for a validated end-entity (router key)
	// certificate found directly on the manifest.
	ProcessEECert(objURI uri.URI, cert *rpki.Cert, routerKeys []rpki.RouterKey) error

	// ProcessROA is called for a validated ROA found on the manifest.
	ProcessROA(objURI uri.URI, eeCert *rpki.ResourceCert, roa *rpki.ROA) error

	// ProcessASPA is called for a validated ASPA record found on the
	// manifest.
	ProcessASPA(objURI uri.URI, eeCert *rpki.ResourceCert, aspa *rpki.ASPA) error

	// ProcessGBR is called for a Ghostbuster record, passed through
	// opaquely once its signed-object envelope has validated.
	ProcessGBR(objURI uri.URI, eeCert *rpki.ResourceCert, raw []byte) error

	// Restart discards anything buffered for this publication point,
	// called when the engine falls back from the collected data to the
	// stored version partway through.
	Restart()

	// Commit finalises everything buffered for this publication point.
	Commit()

	// Cancel discards everything buffered for this publication point,
	// which was rejected; ca is the certificate the rejected point
	// belongs to, so the caller can mark its resources unsafe.
	Cancel(ca *CaCert)
}
