// Package engine walks the chain of trust from a set of trust anchors
// down through every reachable CA certificate, validating each
// publication point it finds along the way and handing the validated
// contents to a caller-supplied Processor.
package engine

import (
	"context"
	"fmt"

	"github.com/cuemby/rpkid/pkg/collector"
	"github.com/cuemby/rpkid/pkg/metrics"
	"github.com/cuemby/rpkid/pkg/rpki"
	"github.com/cuemby/rpkid/pkg/store"
	"github.com/cuemby/rpkid/pkg/uri"
	"golang.org/x/sync/errgroup"
)

// Engine owns the long-lived state a validation run needs: the object
// store and, unless this is a stored-data-only run, the collector that
// fetches fresh publication point contents.
type Engine struct {
	Store     *store.Store
	Collector *collector.Collector
	Policy    Policy
}

// New builds an Engine. coll may be nil to run purely from stored data
// (no fetching), which is how an offline re-validation pass would be
// invoked.
func New(st *store.Store, coll *collector.Collector, policy Policy) *Engine {
	return &Engine{Store: st, Collector: coll, Policy: policy}
}

// Run executes one validation pass over tals, calling proc.ProcessTA
// for each trust anchor that validates. It returns once every reachable
// publication point has been visited, or as soon as a run-fatal error
// occurs in any worker.
func (e *Engine) Run(ctx context.Context, tals []*rpki.TAL, proc RunProcessor) error {
	timer := metrics.NewTimer()
	err := e.run(ctx, tals, proc)
	timer.ObserveDuration(metrics.ValidationRunDuration)
	if err != nil {
		metrics.ValidationRunsTotal.WithLabelValues("fatal").Inc()
		return err
	}
	metrics.ValidationRunsTotal.WithLabelValues("ok").Inc()
	return nil
}

func (e *Engine) run(ctx context.Context, tals []*rpki.TAL, proc RunProcessor) error {
	rs := newRunScope()
	for i, t := range tals {
		rs.q.push(&talTask{tal: t, index: i})
	}

	threads := e.Policy.ValidationThreads
	if threads < 1 {
		threads = 1
	}

	mc := metrics.NewCollector()
	group, gctx := errgroup.WithContext(ctx)
	for i := 0; i < threads; i++ {
		group.Go(func() error {
			w := &worker{engine: e, rs: rs, proc: proc, mc: mc.Fork()}
			defer mc.Merge(w.mc)
			for {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				t, ok := rs.q.pop()
				if !ok {
					return nil
				}
				if err := w.processTask(gctx, t); err != nil {
					rs.q.abort()
					return err
				}
				rs.q.done()
			}
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	mc.Publish()

	// Expire every stored publication point the run didn't visit.
	rs.seenMu.Lock()
	seen := rs.seen
	rs.seen = nil
	rs.seenMu.Unlock()
	return e.Store.Drain(seen)
}

// worker is one validation thread: the engine's shared state plus this
// thread's private metrics fork, merged back when the thread exits.
type worker struct {
	engine *Engine
	rs     *runScope
	proc   RunProcessor
	mc     *metrics.Collector
}

func (w *worker) processTask(ctx context.Context, t task) error {
	switch v := t.(type) {
	case *talTask:
		return w.processTalTask(ctx, v)
	case *caTask:
		return w.processCaTask(ctx, v)
	default:
		return fmt.Errorf("engine: unknown task type %T", t)
	}
}

// processTalTask tries each of a TAL's URIs in order (https-first, per
// rpki.TAL's own sort) until one produces a certificate that both
// decodes, matches the TAL's pinned key, and validates as a trust
// anchor. The first one to do so wins; there is no merging across TAL
// URIs that disagree.
func (w *worker) processTalTask(ctx context.Context, t *talTask) error {
	for _, talURI := range t.tal.URIs {
		cert, err := w.loadTA(ctx, talURI)
		if err != nil {
			return err
		}
		if cert == nil {
			continue
		}
		if !t.tal.MatchesKey(cert) {
			continue
		}
		rc, err := rpki.ValidateTA(cert)
		if err != nil {
			continue
		}
		ca, err := RootCaCert(rc, talURI.String(), t.tal.Name, t.index)
		if err != nil {
			continue
		}
		pp, ok, err := w.proc.ProcessTA(t.tal, talURI, ca, t.index)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		return w.processCaTask(ctx, &caTask{cert: ca, processor: pp})
	}
	return nil
}

// loadTA fetches a trust anchor certificate fresh from the collector
// when one is configured, persisting it to the store on success, and
// otherwise (or on decode failure) falls back to whatever is already
// stored.
func (w *worker) loadTA(ctx context.Context, talURI uri.URI) (*rpki.Cert, error) {
	e := w.engine
	if e.Collector != nil {
		run := e.Collector.Start()
		if data, ok := run.LoadTA(ctx, talURI); ok {
			if cert, err := rpki.ParseCert(data); err == nil {
				if err := e.Store.StoreTA(talURI.String(), data); err != nil {
					return nil, err
				}
				return cert, nil
			}
		}
	}
	data, ok, err := e.Store.LoadTA(talURI.String())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	cert, err := rpki.ParseCert(data)
	if err != nil {
		return nil, nil
	}
	return cert, nil
}

// processCaTask validates one publication point and recurses into its
// children tail-call style: a deferred child (one whose repository
// hasn't been fetched yet this run) is pushed back onto the shared
// queue, while a non-deferred child is processed inline by the same
// worker, exactly as the task that produced it was.
func (w *worker) processCaTask(ctx context.Context, t *caTask) error {
	w.rs.markSeen(t.cert.RPKIManifest.String())
	children, err := w.processPubPoint(ctx, t)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.defer_ {
			w.rs.q.push(child)
		} else if err := w.processCaTask(ctx, child); err != nil {
			return err
		}
	}
	return nil
}
