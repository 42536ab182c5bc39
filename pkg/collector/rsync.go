package collector

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/rpkid/pkg/metrics"
	"github.com/cuemby/rpkid/pkg/uri"
)

// RsyncTransport mirrors rsync modules into a local tree, deduplicating
// concurrent requests for the same module within a run. One Transport
// instance is shared across a run's workers; the mirrored tree under
// its base directory is left in place.
type RsyncTransport struct {
	baseDir  string
	binary   string
	timeout  time.Duration
	mu       sync.Mutex
	running  map[string]*moduleState
	seen     map[string]bool
	allowAll bool // disables the dubious-authority filter, for tests
}

type moduleState struct {
	done chan struct{}
	ok   bool
}

// NewRsyncTransport creates a transport rooted at baseDir (a scratch
// directory the caller owns), invoking binary (normally "rsync") with a
// per-module timeout.
func NewRsyncTransport(baseDir, binary string, timeout time.Duration) *RsyncTransport {
	if binary == "" {
		binary = "rsync"
	}
	return &RsyncTransport{
		baseDir: baseDir,
		binary:  binary,
		timeout: timeout,
		running: make(map[string]*moduleState),
		seen:    make(map[string]bool),
	}
}

// modulePath returns the local directory a module is mirrored into.
func (t *RsyncTransport) modulePath(mod uri.Module) string {
	return filepath.Join(t.baseDir, mod.Authority, mod.Name)
}

// uriPath returns the local path an rsync URI resolves to once its
// module has been fetched.
func (t *RsyncTransport) uriPath(u uri.URI) (string, error) {
	mod, tail, err := u.Module()
	if err != nil {
		return "", err
	}
	return filepath.Join(t.modulePath(mod), tail), nil
}

// isDubiousAuthority rejects authority shapes that have no business in
// a publication point name: embedded ports, IP literals, non-ASCII, and
// leading/trailing dots. uri.Parse
// already guarantees ASCII, so this only checks the remaining shapes.
func isDubiousAuthority(authority string) bool {
	if authority == "" {
		return true
	}
	if strings.HasPrefix(authority, ".") || strings.HasSuffix(authority, ".") {
		return true
	}
	if strings.Contains(authority, ":") {
		return true
	}
	if isIPLiteral(authority) {
		return true
	}
	return false
}

func isIPLiteral(authority string) bool {
	parts := strings.Split(authority, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if p == "" || len(p) > 3 {
			return false
		}
		for _, c := range p {
			if c < '0' || c > '9' {
				return false
			}
		}
	}
	return true
}

// Fetch ensures mod has been rsync'd at most once during this run and
// reports whether it is now usable (the fetch succeeded at some point
// during the run, possibly by a concurrent caller). A module already
// marked seen as failed is not retried.
func (t *RsyncTransport) Fetch(ctx context.Context, mod uri.Module) bool {
	key := mod.Authority + "/" + mod.Name

	t.mu.Lock()
	if ok, seen := t.seen[key]; seen {
		t.mu.Unlock()
		return ok
	}
	if state, running := t.running[key]; running {
		t.mu.Unlock()
		<-state.done
		return state.ok
	}
	if !t.allowAll && isDubiousAuthority(mod.Authority) {
		t.seen[key] = false
		t.mu.Unlock()
		return false
	}
	state := &moduleState{done: make(chan struct{})}
	t.running[key] = state
	t.mu.Unlock()

	ok := t.runRsync(ctx, mod)

	t.mu.Lock()
	delete(t.running, key)
	t.seen[key] = ok
	t.mu.Unlock()

	state.ok = ok
	close(state.done)
	return ok
}

// readFile reads an rsync URI's content from the local mirror; it does
// not trigger a fetch, so callers must have already called Fetch for
// the URI's module.
func (t *RsyncTransport) readFile(u uri.URI) ([]byte, bool) {
	path, err := t.uriPath(u)
	if err != nil {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return data, true
}

func (t *RsyncTransport) runRsync(ctx context.Context, mod uri.Module) bool {
	timer := metrics.NewTimer()
	label := mod.Authority + "/" + mod.Name

	runCtx := ctx
	var cancel context.CancelFunc
	if t.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	dest := t.modulePath(mod)
	src := "rsync://" + mod.Authority + "/" + mod.Name + "/"
	cmd := exec.CommandContext(runCtx, t.binary,
		"-rtzO", "--delete", "--no-perms", "--omit-dir-times", "--copy-links", src, dest)

	err := cmd.Run()
	timer.ObserveDurationVec(metrics.RsyncDuration, label)
	if err != nil {
		metrics.RsyncFailuresTotal.WithLabelValues(label).Inc()
		return false
	}
	return true
}
