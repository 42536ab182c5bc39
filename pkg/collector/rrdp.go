package collector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/rpkid/pkg/archive"
	"github.com/cuemby/rpkid/pkg/metrics"
	"github.com/cuemby/rpkid/pkg/uri"
)

// maxTASize bounds a trust anchor certificate download, a much tighter
// limit than ordinary RRDP responses get.
const maxTASize = 64 * 1024

const stateObjectName = "$state"

// RRDPTransport fetches publication points over HTTPS, deduplicating
// concurrent requests for the same notification URI within a run and
// caching each point's objects in a local per-notify archive so that
// subsequent LoadObject calls (and a later run's fallback) don't need
// the network.
type RRDPTransport struct {
	baseDir      string
	client       *http.Client
	fallbackTime time.Duration
	allowAll     bool // disables the dubious-authority filter, for tests

	mu      sync.Mutex
	running map[string]*notifyState
	results map[string]notifyResult
}

type notifyResult struct {
	current bool
	updated bool
}

type notifyState struct {
	done   chan struct{}
	result notifyResult
}

// NewRRDPTransport creates a transport rooted at baseDir with the given
// HTTP client (its Timeout governs per-request timeouts) and fallback
// window: a repository last updated within fallbackTime of now is
// treated as current even when this run's fetch fails.
func NewRRDPTransport(baseDir string, client *http.Client, fallbackTime time.Duration) *RRDPTransport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &RRDPTransport{
		baseDir:      baseDir,
		client:       client,
		fallbackTime: fallbackTime,
		running:      make(map[string]*notifyState),
		results:      make(map[string]notifyResult),
	}
}

func notifyArchivePath(baseDir string, notify uri.URI) string {
	sum := sha256.Sum256([]byte(notify.String()))
	return filepath.Join(baseDir, hex.EncodeToString(sum[:])+".archive")
}

func (t *RRDPTransport) openArchive(notify uri.URI) (*archive.Archive, error) {
	path := notifyArchivePath(t.baseDir, notify)
	if _, err := os.Stat(path); err == nil {
		return archive.Open(path, true)
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	return archive.Create(path, 256, sha256.Size)
}

// repositoryState is this package's record of the last successfully
// applied notification for one notify URI.
type repositoryState struct {
	SessionID string    `json:"session_id"`
	Serial    uint64    `json:"serial"`
	Updated   time.Time `json:"updated"`
}

// LoadTA fetches a trust anchor certificate over HTTPS, bounded to
// maxTASize bytes; a response exceeding that limit or any non-2xx
// status is treated as a failed fetch.
func (t *RRDPTransport) LoadTA(ctx context.Context, taURI uri.URI) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, taURI.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("collector: building TA request: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("collector: fetching TA %s: %w", taURI, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("collector: TA %s: HTTP %d", taURI, resp.StatusCode)
	}
	limited := io.LimitReader(resp.Body, maxTASize+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("collector: reading TA %s: %w", taURI, err)
	}
	if len(data) > maxTASize {
		return nil, fmt.Errorf("collector: TA %s exceeds %d byte limit", taURI, maxTASize)
	}
	return data, nil
}

// Fetch updates the local cache for notify, deduplicating concurrent
// callers within this run. current reports whether the repository can
// be considered usable (updated this run, or stale but within the
// fallback window); updated reports whether this run actually fetched
// fresh data, the signal the engine uses to decide whether child tasks
// sharing this repository should be deferred.
func (t *RRDPTransport) Fetch(ctx context.Context, notify uri.URI) (current, updated bool) {
	key := notify.String()

	t.mu.Lock()
	if res, done := t.results[key]; done {
		t.mu.Unlock()
		return res.current, res.updated
	}
	if state, running := t.running[key]; running {
		t.mu.Unlock()
		<-state.done
		return state.result.current, state.result.updated
	}
	if !t.allowAll && isDubiousAuthority(notify.Authority()) {
		t.results[key] = notifyResult{}
		t.mu.Unlock()
		return false, false
	}
	state := &notifyState{done: make(chan struct{})}
	t.running[key] = state
	t.mu.Unlock()

	result := t.update(ctx, notify)

	t.mu.Lock()
	delete(t.running, key)
	t.results[key] = result
	t.mu.Unlock()

	state.result = result
	close(state.done)
	return result.current, result.updated
}

func (t *RRDPTransport) update(ctx context.Context, notify uri.URI) notifyResult {
	timer := metrics.NewTimer()
	label := notify.String()
	defer timer.ObserveDurationVec(metrics.RRDPDuration, label)

	nf, err := t.fetchNotification(ctx, notify)
	if err != nil {
		metrics.RRDPFailuresTotal.WithLabelValues(label).Inc()
		return notifyResult{current: t.fallbackCurrent(notify, nil)}
	}

	if t.deltaUpdate(ctx, notify, nf) {
		return notifyResult{current: true, updated: true}
	}
	metrics.RRDPSnapshotFallbackTotal.WithLabelValues(label).Inc()
	if t.snapshotUpdate(ctx, notify, nf) {
		return notifyResult{current: true, updated: true}
	}
	metrics.RRDPFailuresTotal.WithLabelValues(label).Inc()
	return notifyResult{current: t.fallbackCurrent(notify, nil)}
}

// createScratch makes a fresh archive next to notify's live one. The
// caller fills it and hands it to swapScratch; nothing the live archive
// holds is touched until the swap.
func (t *RRDPTransport) createScratch(notify uri.URI) (*archive.Archive, string, error) {
	path := notifyArchivePath(t.baseDir, notify) + ".tmp"
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, "", err
	}
	a, err := archive.Create(path, 256, sha256.Size)
	if err != nil {
		return nil, "", err
	}
	return a, path, nil
}

// swapScratch closes the scratch archive and, if ok, renames it over
// the live one in a single atomic step; otherwise (or on any close or
// rename failure) the scratch file is discarded and the live archive
// stays as it was.
func (t *RRDPTransport) swapScratch(scratch *archive.Archive, scratchPath string, notify uri.URI, ok bool) bool {
	if err := scratch.Close(); err != nil {
		ok = false
	}
	if !ok {
		os.Remove(scratchPath)
		return false
	}
	if err := os.Rename(scratchPath, notifyArchivePath(t.baseDir, notify)); err != nil {
		os.Remove(scratchPath)
		return false
	}
	return true
}

// cloneObjects copies every object except the state record from src
// into dst.
func cloneObjects(src, dst *archive.Archive) bool {
	err := src.Iterate(func(o archive.Object) error {
		if o.Name == stateObjectName {
			return nil
		}
		return dst.Publish(o.Name, o.Meta, o.Content)
	})
	return err == nil
}

func (t *RRDPTransport) commitState(a *archive.Archive, notify uri.URI, nf *notificationFile) bool {
	state := repositoryState{SessionID: nf.SessionID.String(), Serial: nf.Serial, Updated: time.Now()}
	data, err := json.Marshal(state)
	if err != nil {
		return false
	}
	meta := make([]byte, sha256.Size)
	if err := a.Publish(stateObjectName, meta, data); err == archive.ErrAlreadyExists {
		err = a.Update(stateObjectName, meta, data, func([]byte) bool { return true })
	}
	return err == nil
}

// fallbackCurrent reports whether a's last recorded update is recent
// enough, within the configured fallback window, to treat the cached
// copy as current even though this run's fetch failed.
func (t *RRDPTransport) fallbackCurrent(notify uri.URI, a *archive.Archive) bool {
	if a == nil {
		var err error
		a, err = t.openArchive(notify)
		if err != nil {
			return false
		}
		defer a.Close()
	}
	state, ok := t.loadState(a)
	if !ok {
		return false
	}
	return time.Since(state.Updated) < t.fallbackTime
}

func (t *RRDPTransport) loadState(a *archive.Archive) (repositoryState, bool) {
	_, data, err := a.Fetch(stateObjectName)
	if err != nil {
		return repositoryState{}, false
	}
	var state repositoryState
	if json.Unmarshal(data, &state) != nil {
		return repositoryState{}, false
	}
	return state, true
}

func (t *RRDPTransport) fetchNotification(ctx context.Context, notify uri.URI) (*notificationFile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, notify.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("collector: notification %s: HTTP %d", notify, resp.StatusCode)
	}
	return parseNotificationFile(resp.Body)
}

// deltaUpdate attempts to bring notify's cache up to date using the
// delta chain in nf. The whole chain is applied to a scratch copy of
// the live archive and committed, state record included, by a single
// atomic rename; any failure along the way discards the scratch and
// leaves the live archive exactly as it was, in which case the caller
// falls through to a full snapshot.
func (t *RRDPTransport) deltaUpdate(ctx context.Context, notify uri.URI, nf *notificationFile) bool {
	live, err := t.openArchive(notify)
	if err != nil {
		return false
	}
	state, ok := t.loadState(live)
	if !ok || state.SessionID != nf.SessionID.String() || state.Serial >= nf.Serial {
		live.Close()
		return false
	}
	chain, ok := selectDeltaChain(nf, state.Serial)
	if !ok {
		live.Close()
		return false
	}

	scratch, scratchPath, err := t.createScratch(notify)
	if err != nil {
		live.Close()
		return false
	}
	ok = cloneObjects(live, scratch)
	live.Close()
	for _, d := range chain {
		if !ok {
			break
		}
		ok = t.applyDelta(ctx, scratch, d)
	}
	ok = ok && t.commitState(scratch, notify, nf)
	return t.swapScratch(scratch, scratchPath, notify, ok)
}

// selectDeltaChain returns the contiguous run of deltas from
// fromSerial+1 through the notification's own serial, in ascending
// order, or ok=false if the chain isn't contiguous or doesn't reach it.
func selectDeltaChain(nf *notificationFile, fromSerial uint64) ([]deltaRef, bool) {
	if len(nf.Deltas) == 0 {
		return nil, false
	}
	if nf.Deltas[len(nf.Deltas)-1].Serial != nf.Serial {
		return nil, false
	}
	var chain []deltaRef
	want := fromSerial + 1
	for _, d := range nf.Deltas {
		if d.Serial < want {
			continue
		}
		if d.Serial != want {
			return nil, false
		}
		chain = append(chain, d)
		want++
	}
	if want-1 != nf.Serial {
		return nil, false
	}
	return chain, true
}

// applyDelta fetches one delta document and applies its publish and
// withdraw entries to a, which is always a scratch archive never seen
// by readers until its whole chain commits.
func (t *RRDPTransport) applyDelta(ctx context.Context, a *archive.Archive, d deltaRef) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URI.String(), nil)
	if err != nil {
		return false
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}

	hasher := sha256.New()
	tee := io.TeeReader(resp.Body, hasher)
	publishes, withdraws, err := parseDelta(tee)
	if err != nil {
		return false
	}
	if _, err := io.Copy(hasher, resp.Body); err != nil { // drain any trailing bytes
		return false
	}
	var sum [sha256.Size]byte
	copy(sum[:], hasher.Sum(nil))
	if sum != d.Hash {
		return false
	}

	for _, w := range withdraws {
		_, content, err := a.Fetch(w.URI.String())
		if err != nil {
			return false
		}
		if sha256.Sum256(content) != w.Hash {
			return false
		}
		if err := a.Delete(w.URI.String(), func([]byte) bool { return true }); err != nil {
			return false
		}
	}
	for _, p := range publishes {
		name := p.URI.String()
		_, _, err := a.Fetch(name)
		exists := err == nil
		if p.HasHash {
			if !exists {
				return false
			}
		} else if exists {
			return false
		}
		meta := sha256.Sum256(p.Content)
		if exists {
			if err := a.Update(name, meta[:], p.Content, func([]byte) bool { return true }); err != nil {
				return false
			}
		} else {
			if err := a.Publish(name, meta[:], p.Content); err != nil {
				return false
			}
		}
	}
	return true
}

// snapshotUpdate replaces everything previously cached for notify with
// the full snapshot. The removal of the old objects and the install of
// the new set are one transaction: the snapshot is written to a fresh
// scratch archive that replaces the live one in a single rename, or not
// at all.
func (t *RRDPTransport) snapshotUpdate(ctx context.Context, notify uri.URI, nf *notificationFile) bool {
	scratch, scratchPath, err := t.createScratch(notify)
	if err != nil {
		return false
	}
	ok := t.fillSnapshot(ctx, scratch, nf) && t.commitState(scratch, notify, nf)
	return t.swapScratch(scratch, scratchPath, notify, ok)
}

func (t *RRDPTransport) fillSnapshot(ctx context.Context, a *archive.Archive, nf *notificationFile) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, nf.SnapshotURI.String(), nil)
	if err != nil {
		return false
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}

	hasher := sha256.New()
	tee := io.TeeReader(resp.Body, hasher)
	publishes, err := parseSnapshot(tee)
	if err != nil {
		return false
	}
	if _, err := io.Copy(hasher, resp.Body); err != nil {
		return false
	}
	var sum [sha256.Size]byte
	copy(sum[:], hasher.Sum(nil))
	if sum != nf.SnapshotHash {
		return false
	}

	for _, p := range publishes {
		meta := sha256.Sum256(p.Content)
		if err := a.Publish(p.URI.String(), meta[:], p.Content); err != nil {
			return false
		}
	}
	return true
}

// LoadObject returns a previously cached object's content for notify,
// without attempting any network fetch.
func (t *RRDPTransport) LoadObject(notify, obj uri.URI) ([]byte, bool, error) {
	a, err := t.openArchive(notify)
	if err != nil {
		return nil, false, err
	}
	defer a.Close()
	_, content, err := a.Fetch(obj.String())
	if err == archive.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return content, true, nil
}
