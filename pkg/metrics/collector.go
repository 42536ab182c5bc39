package metrics

import "sync"

// talCounts holds the counters tracked per TAL.
type talCounts struct {
	vrps        int
	routerKeys  int
	aspas       int
	chainTooDeep int
	skiLoops    int
}

// repoCounts holds the counters tracked per repository URI.
type repoCounts struct {
	valid          int
	rejected       int
	storedFallback int
	objects        map[string]int // kind -> count
	staleWarn      int
	staleReject    int
}

// Collector accumulates metrics for a single validation run. Workers call
// Fork to obtain a private child they can update without contention; intermediate reads through the parent are not observable
// until Merge folds every fork back in. This mirrors the accumulate-then-
// merge discipline of a validation run: nothing is published mid-run.
type Collector struct {
	mu sync.Mutex

	tals  map[string]*talCounts
	repos map[string]*repoCounts

	storeCommits   int
	storeRollbacks int
}

// NewCollector creates an empty run-scoped collector.
func NewCollector() *Collector {
	return &Collector{
		tals:  make(map[string]*talCounts),
		repos: make(map[string]*repoCounts),
	}
}

// Fork returns a private child collector for one worker. The child
// accumulates independently of its parent and any sibling fork; call
// Merge on the parent with the child once the worker's work is done.
func (c *Collector) Fork() *Collector {
	return NewCollector()
}

// forTAL returns the per-TAL counters, creating them on first use.
func (c *Collector) forTAL(tal string) *talCounts {
	t, ok := c.tals[tal]
	if !ok {
		t = &talCounts{}
		c.tals[tal] = t
	}
	return t
}

// forRepository returns the per-repository counters, creating them on
// first use.
func (c *Collector) forRepository(uri string) *repoCounts {
	r, ok := c.repos[uri]
	if !ok {
		r = &repoCounts{objects: make(map[string]int)}
		c.repos[uri] = r
	}
	return r
}

// AddVRP records one validated ROA payload under the given TAL.
func (c *Collector) AddVRP(tal string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forTAL(tal).vrps++
}

// AddRouterKey records one validated router key under the given TAL.
func (c *Collector) AddRouterKey(tal string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forTAL(tal).routerKeys++
}

// AddASPA records one validated ASPA record under the given TAL.
func (c *Collector) AddASPA(tal string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forTAL(tal).aspas++
}

// AddChainTooDeep records a CA refused for exceeding the max chain depth.
func (c *Collector) AddChainTooDeep(tal string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forTAL(tal).chainTooDeep++
}

// AddSKILoop records a CA refused for a subject key identifier loop.
func (c *Collector) AddSKILoop(tal string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forTAL(tal).skiLoops++
}

// AddPublicationPoint records the outcome of processing one publication
// point: "valid", "rejected", or "stored-fallback".
func (c *Collector) AddPublicationPoint(uri, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.forRepository(uri)
	switch outcome {
	case "valid":
		r.valid++
	case "rejected":
		r.rejected++
	case "stored-fallback":
		r.storedFallback++
	}
}

// AddObject records one manifest entry of the given kind seen under a
// repository.
func (c *Collector) AddObject(uri, kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forRepository(uri).objects[kind]++
}

// AddStaleManifest records a stale-manifest disposition ("warn" or
// "reject") for a repository.
func (c *Collector) AddStaleManifest(uri, disposition string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.forRepository(uri)
	if disposition == "reject" {
		r.staleReject++
	} else {
		r.staleWarn++
	}
}

// AddStoreCommit records one committed per-point store transaction.
func (c *Collector) AddStoreCommit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeCommits++
}

// AddStoreRollback records one rolled-back per-point store transaction.
func (c *Collector) AddStoreRollback() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeRollbacks++
}

// Merge folds a forked child's counters into c. Call once per worker
// after it finishes, never concurrently with the same child.
func (c *Collector) Merge(child *Collector) {
	child.mu.Lock()
	tals := child.tals
	repos := child.repos
	commits := child.storeCommits
	rollbacks := child.storeRollbacks
	child.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	for name, ct := range tals {
		t := c.forTAL(name)
		t.vrps += ct.vrps
		t.routerKeys += ct.routerKeys
		t.aspas += ct.aspas
		t.chainTooDeep += ct.chainTooDeep
		t.skiLoops += ct.skiLoops
	}
	for uri, cr := range repos {
		r := c.forRepository(uri)
		r.valid += cr.valid
		r.rejected += cr.rejected
		r.storedFallback += cr.storedFallback
		r.staleWarn += cr.staleWarn
		r.staleReject += cr.staleReject
		for kind, n := range cr.objects {
			r.objects[kind] += n
		}
	}
	c.storeCommits += commits
	c.storeRollbacks += rollbacks
}

// Publish pushes every accumulated counter to the global Prometheus
// metrics. Call once, after the run has finished merging all forks.
func (c *Collector) Publish() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for tal, ct := range c.tals {
		VRPsTotal.WithLabelValues(tal).Set(float64(ct.vrps))
		RouterKeysTotal.WithLabelValues(tal).Set(float64(ct.routerKeys))
		ASPAsTotal.WithLabelValues(tal).Set(float64(ct.aspas))
		if ct.chainTooDeep > 0 {
			ChainTooDeepTotal.WithLabelValues(tal).Add(float64(ct.chainTooDeep))
		}
		if ct.skiLoops > 0 {
			SKILoopDetectedTotal.WithLabelValues(tal).Add(float64(ct.skiLoops))
		}
	}
	for uri, cr := range c.repos {
		PublicationPointsTotal.WithLabelValues(uri, "valid").Set(float64(cr.valid))
		PublicationPointsTotal.WithLabelValues(uri, "rejected").Set(float64(cr.rejected))
		PublicationPointsTotal.WithLabelValues(uri, "stored-fallback").Set(float64(cr.storedFallback))
		for kind, n := range cr.objects {
			ObjectsTotal.WithLabelValues(uri, kind).Add(float64(n))
		}
		if cr.staleWarn > 0 {
			StaleManifestsTotal.WithLabelValues(uri, "warn").Add(float64(cr.staleWarn))
		}
		if cr.staleReject > 0 {
			StaleManifestsTotal.WithLabelValues(uri, "reject").Add(float64(cr.staleReject))
		}
	}
	if c.storeCommits > 0 {
		StoreTransactionsTotal.WithLabelValues("commit").Add(float64(c.storeCommits))
	}
	if c.storeRollbacks > 0 {
		StoreTransactionsTotal.WithLabelValues("rollback").Add(float64(c.storeRollbacks))
	}
}

// VRPCount returns the total number of VRPs recorded across all TALs.
func (c *Collector) VRPCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, ct := range c.tals {
		total += ct.vrps
	}
	return total
}
