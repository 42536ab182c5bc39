package collector

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/rpkid/pkg/uri"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsDubiousAuthorityRejectsKnownShapes(t *testing.T) {
	cases := map[string]bool{
		"rpki.example.net":    false,
		"":                    true,
		".rpki.example.net":   true,
		"rpki.example.net.":   true,
		"rpki.example.net:21": true,
		"192.0.2.1":           true,
	}
	for authority, want := range cases {
		assert.Equal(t, want, isDubiousAuthority(authority), "authority %q", authority)
	}
}

// countingScript writes an executable shell script under dir that
// appends one line to counterPath every time it runs and exits with
// exitCode.
func countingScript(t *testing.T, dir, counterPath string, exitCode int) string {
	t.Helper()
	path := filepath.Join(dir, "rsync-stub.sh")
	script := "#!/bin/sh\necho run >> " + counterPath + "\nexit " + itoa(exitCode) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	return string(rune('0' + n))
}

func TestFetchRunsRsyncOnceAndCachesWithinRun(t *testing.T) {
	dir := t.TempDir()
	counter := filepath.Join(dir, "count")
	binary := countingScript(t, dir, counter, 0)
	tr := NewRsyncTransport(filepath.Join(dir, "tree"), binary, 5*time.Second)
	tr.allowAll = true

	mod := uri.Module{Authority: "rpki.example.net", Name: "repo"}
	ok1 := tr.Fetch(context.Background(), mod)
	ok2 := tr.Fetch(context.Background(), mod)
	assert.True(t, ok1)
	assert.True(t, ok2)

	data, err := os.ReadFile(counter)
	require.NoError(t, err)
	assert.Equal(t, 1, countLines(string(data)))
}

func TestFetchReturnsFalseOnRsyncFailure(t *testing.T) {
	dir := t.TempDir()
	counter := filepath.Join(dir, "count")
	binary := countingScript(t, dir, counter, 1)
	tr := NewRsyncTransport(filepath.Join(dir, "tree"), binary, 5*time.Second)
	tr.allowAll = true

	mod := uri.Module{Authority: "rpki.example.net", Name: "repo"}
	ok := tr.Fetch(context.Background(), mod)
	assert.False(t, ok)
}

func TestFetchSkipsDubiousAuthorityWithoutRunning(t *testing.T) {
	dir := t.TempDir()
	counter := filepath.Join(dir, "count")
	binary := countingScript(t, dir, counter, 0)
	tr := NewRsyncTransport(filepath.Join(dir, "tree"), binary, 5*time.Second)

	mod := uri.Module{Authority: "192.0.2.1", Name: "repo"}
	ok := tr.Fetch(context.Background(), mod)
	assert.False(t, ok)
	_, err := os.Stat(counter)
	assert.True(t, os.IsNotExist(err))
}

func TestReadFileAfterFetch(t *testing.T) {
	dir := t.TempDir()
	treeDir := filepath.Join(dir, "tree")
	require.NoError(t, os.MkdirAll(filepath.Join(treeDir, "rpki.example.net", "repo"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(treeDir, "rpki.example.net", "repo", "ta.cer"), []byte("cert-bytes"), 0o644))

	tr := NewRsyncTransport(treeDir, "true", 5*time.Second)
	tr.allowAll = true
	mod := uri.Module{Authority: "rpki.example.net", Name: "repo"}
	require.True(t, tr.Fetch(context.Background(), mod))

	u, err := uri.Parse("rsync://rpki.example.net/repo/ta.cer")
	require.NoError(t, err)
	data, ok := tr.readFile(u)
	require.True(t, ok)
	assert.Equal(t, []byte("cert-bytes"), data)
}

func countLines(s string) int {
	n := 0
	for _, c := range s {
		if c == '\n' {
			n++
		}
	}
	return n
}
