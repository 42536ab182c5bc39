// Package collector synchronises local copies of RPKI publication
// points using either of two interchangeable transports — an rsync
// module-level pull and an RRDP notification/snapshot/delta fetch over
// HTTPS — preferring RRDP when a point advertises it and deduplicating
// concurrent requests for the same module or notification URI within a
// single validation run.
package collector

import (
	"context"

	"github.com/cuemby/rpkid/pkg/uri"
)

// Point identifies one publication point as advertised by a CA
// certificate's subject information access extension.
type Point struct {
	CARepository uri.URI  // rsync caRepository
	RPKINotify   *uri.URI // optional https rpki-notify
}

// Collector owns the two transports for the lifetime of the process;
// Start begins a single validation run's bookkeeping.
type Collector struct {
	rsync *RsyncTransport
	rrdp  *RRDPTransport
}

// New builds a Collector from its two transports. Either may be nil to
// disable that transport entirely (e.g. a run configured update-free).
func New(rsync *RsyncTransport, rrdp *RRDPTransport) *Collector {
	return &Collector{rsync: rsync, rrdp: rrdp}
}

// Start begins a new validation run.
func (c *Collector) Start() *Run {
	return &Run{collector: c}
}

// Run is a collector handle scoped to one validation run; the transports
// it wraps already deduplicate within a run, so Run itself holds no
// additional state.
type Run struct {
	collector *Collector
}

// LoadTA fetches a trust anchor certificate from the given URI, using
// whichever transport matches its scheme.
func (r *Run) LoadTA(ctx context.Context, taURI uri.URI) ([]byte, bool) {
	switch taURI.Scheme() {
	case uri.SchemeHTTPS:
		if r.collector.rrdp == nil {
			return nil, false
		}
		data, err := r.collector.rrdp.LoadTA(ctx, taURI)
		if err != nil {
			return nil, false
		}
		return data, true
	case uri.SchemeRsync:
		if r.collector.rsync == nil {
			return nil, false
		}
		mod, _, err := taURI.Module()
		if err != nil {
			return nil, false
		}
		if !r.collector.rsync.Fetch(ctx, mod) {
			return nil, false
		}
		return r.collector.rsync.readFile(taURI)
	default:
		return nil, false
	}
}

// Repository is a handle to one publication point's contents, backed by
// whichever transport last (successfully or not) serviced it.
type Repository struct {
	run   *Run
	point Point
	rrdp  bool // true if this handle reads from the RRDP cache
}

// LoadRepository selects and runs the right transport for point
// (RRDP first if advertised, falling back to the RRDP cache within the
// fallback window or to rsync, or straight to rsync if no rpki-notify
// is advertised), returning a handle to read objects from
// plus whether this run actually fetched fresh data for it.
func (r *Run) LoadRepository(ctx context.Context, point Point) (*Repository, bool) {
	if point.RPKINotify != nil && r.collector.rrdp != nil {
		current, updated := r.collector.rrdp.Fetch(ctx, *point.RPKINotify)
		if current {
			return &Repository{run: r, point: point, rrdp: true}, updated
		}
	}
	if r.collector.rsync == nil {
		return nil, false
	}
	mod, _, err := point.CARepository.Module()
	if err != nil {
		return nil, false
	}
	updated := r.collector.rsync.Fetch(ctx, mod)
	return &Repository{run: r, point: point, rrdp: false}, updated
}

// LoadObject returns the bytes for objURI from whichever transport this
// repository handle is backed by.
func (repo *Repository) LoadObject(objURI uri.URI) ([]byte, bool) {
	if repo.rrdp {
		data, ok, err := repo.run.collector.rrdp.LoadObject(*repo.point.RPKINotify, objURI)
		if err != nil || !ok {
			return nil, false
		}
		return data, true
	}
	data, ok := repo.run.collector.rsync.readFile(objURI)
	return data, ok
}
