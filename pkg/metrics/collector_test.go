package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorForkMerge(t *testing.T) {
	parent := NewCollector()

	var wg sync.WaitGroup
	forks := make([]*Collector, 4)
	for i := range forks {
		forks[i] = parent.Fork()
	}

	for i, f := range forks {
		wg.Add(1)
		go func(i int, f *Collector) {
			defer wg.Done()
			f.AddVRP("example.tal")
			f.AddPublicationPoint("rsync://example.org/repo", "valid")
			f.AddObject("rsync://example.org/repo", "roa")
		}(i, f)
	}
	wg.Wait()

	for _, f := range forks {
		parent.Merge(f)
	}

	require.Equal(t, len(forks), parent.VRPCount())
}

func TestCollectorPerTALIsolation(t *testing.T) {
	c := NewCollector()
	c.AddVRP("tal-a")
	c.AddVRP("tal-a")
	c.AddVRP("tal-b")
	c.AddRouterKey("tal-a")
	c.AddChainTooDeep("tal-b")
	c.AddSKILoop("tal-b")

	assert.Equal(t, 2, c.tals["tal-a"].vrps)
	assert.Equal(t, 1, c.tals["tal-a"].routerKeys)
	assert.Equal(t, 1, c.tals["tal-b"].vrps)
	assert.Equal(t, 1, c.tals["tal-b"].chainTooDeep)
	assert.Equal(t, 1, c.tals["tal-b"].skiLoops)
}

func TestCollectorPerRepositoryCounts(t *testing.T) {
	c := NewCollector()
	uri := "rsync://example.org/repo"
	c.AddPublicationPoint(uri, "valid")
	c.AddPublicationPoint(uri, "rejected")
	c.AddPublicationPoint(uri, "stored-fallback")
	c.AddObject(uri, "cer")
	c.AddObject(uri, "cer")
	c.AddObject(uri, "roa")
	c.AddStaleManifest(uri, "warn")
	c.AddStaleManifest(uri, "reject")

	r := c.repos[uri]
	require.NotNil(t, r)
	assert.Equal(t, 1, r.valid)
	assert.Equal(t, 1, r.rejected)
	assert.Equal(t, 1, r.storedFallback)
	assert.Equal(t, 2, r.objects["cer"])
	assert.Equal(t, 1, r.objects["roa"])
	assert.Equal(t, 1, r.staleWarn)
	assert.Equal(t, 1, r.staleReject)
}

func TestCollectorStoreTransactions(t *testing.T) {
	c := NewCollector()
	c.AddStoreCommit()
	c.AddStoreCommit()
	c.AddStoreRollback()

	assert.Equal(t, 2, c.storeCommits)
	assert.Equal(t, 1, c.storeRollbacks)
}

func TestCollectorPublishDoesNotPanic(t *testing.T) {
	c := NewCollector()
	c.AddVRP("example.tal")
	c.AddPublicationPoint("rsync://example.org/repo", "valid")
	c.AddObject("rsync://example.org/repo", "mft")
	c.AddStoreCommit()

	assert.NotPanics(t, func() {
		c.Publish()
	})
}
