package collector

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/rpkid/pkg/uri"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestRRDPFetchSnapshotPathOnFirstRun(t *testing.T) {
	snapshotBody := []byte(`<snapshot version="1" session_id="` + testSessionID + `" serial="1">` +
		`<publish uri="rsync://rpki.example.net/repo/a.cer">` + base64.StdEncoding.EncodeToString([]byte("cert-a")) + `</publish>` +
		`</snapshot>`)
	snapshotHash := sha256Hex(snapshotBody)

	mux := http.NewServeMux()
	var notifyURL string
	mux.HandleFunc("/notification.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<notification version="1" session_id="%s" serial="1"><snapshot uri="%s/snapshot.xml" hash="%s"/></notification>`,
			testSessionID, notifyURLPlaceholder, snapshotHash)
	})
	mux.HandleFunc("/snapshot.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write(snapshotBody)
	})
	srv := httptest.NewTLSServer(mux)
	defer srv.Close()
	notifyURL = srv.URL + "/notification.xml"
	notifyURLPlaceholder = srv.URL

	tr := NewRRDPTransport(t.TempDir(), srv.Client(), time.Hour)
	tr.allowAll = true

	u, err := uri.Parse(notifyURL)
	require.NoError(t, err)

	current, updated := tr.Fetch(context.Background(), u)
	assert.True(t, current)
	assert.True(t, updated)

	objURI, err := uri.Parse("rsync://rpki.example.net/repo/a.cer")
	require.NoError(t, err)
	content, ok, err := tr.LoadObject(u, objURI)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("cert-a"), content)
}

// notifyURLPlaceholder lets the notification handler reference the
// server's own base URL, which isn't known until httptest.NewServer
// returns.
var notifyURLPlaceholder string

func TestRRDPFetchFallsBackToCacheWithinWindow(t *testing.T) {
	snapshotBody := []byte(`<snapshot version="1" session_id="` + testSessionID + `" serial="1">` +
		`<publish uri="rsync://rpki.example.net/repo/a.cer">` + base64.StdEncoding.EncodeToString([]byte("cert-a")) + `</publish>` +
		`</snapshot>`)
	snapshotHash := sha256Hex(snapshotBody)

	mux := http.NewServeMux()
	mux.HandleFunc("/notification.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<notification version="1" session_id="%s" serial="1"><snapshot uri="%s/snapshot.xml" hash="%s"/></notification>`,
			testSessionID, notifyURLPlaceholder2, snapshotHash)
	})
	mux.HandleFunc("/snapshot.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write(snapshotBody)
	})
	srv := httptest.NewTLSServer(mux)
	defer srv.Close()
	notifyURLPlaceholder2 = srv.URL
	notifyURL := srv.URL + "/notification.xml"

	dir := t.TempDir()
	u, err := uri.Parse(notifyURL)
	require.NoError(t, err)

	tr1 := NewRRDPTransport(dir, srv.Client(), time.Hour)
	tr1.allowAll = true
	current, updated := tr1.Fetch(context.Background(), u)
	require.True(t, current)
	require.True(t, updated)

	// A second transport sharing the same archive directory (simulating a
	// later run) but whose client always fails must fall back to the
	// cached copy rather than treating the repository as stale.
	tr2 := NewRRDPTransport(dir, &http.Client{Transport: failingRoundTripper{}}, time.Hour)
	tr2.allowAll = true
	current2, updated2 := tr2.Fetch(context.Background(), u)
	assert.True(t, current2, "cached copy within fallback window should read as current")
	assert.False(t, updated2)
}

var notifyURLPlaceholder2 string

type failingRoundTripper struct{}

func (failingRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, fmt.Errorf("simulated network failure")
}

func TestRRDPFetchAppliesContiguousDeltaWithoutSnapshot(t *testing.T) {
	deltaBody := []byte(`<delta version="1" session_id="` + testSessionID + `" serial="2">` +
		`<publish uri="rsync://rpki.example.net/repo/b.roa">` + base64.StdEncoding.EncodeToString([]byte("roa-b")) + `</publish>` +
		`</delta>`)
	deltaHash := sha256Hex(deltaBody)

	snapshotHit := false
	mux := http.NewServeMux()
	mux.HandleFunc("/notification.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<notification version="1" session_id="%s" serial="2">`+
			`<snapshot uri="%s/snapshot.xml" hash="%s"/>`+
			`<delta serial="2" uri="%s/delta.xml" hash="%s"/>`+
			`</notification>`,
			testSessionID, notifyURLPlaceholder3, sha256Hex([]byte("unused-snapshot")), notifyURLPlaceholder3, deltaHash)
	})
	mux.HandleFunc("/delta.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write(deltaBody)
	})
	mux.HandleFunc("/snapshot.xml", func(w http.ResponseWriter, r *http.Request) {
		snapshotHit = true
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewTLSServer(mux)
	defer srv.Close()
	notifyURLPlaceholder3 = srv.URL
	notifyURL := srv.URL + "/notification.xml"

	dir := t.TempDir()
	u, err := uri.Parse(notifyURL)
	require.NoError(t, err)

	tr := NewRRDPTransport(dir, srv.Client(), time.Hour)
	tr.allowAll = true

	a, err := tr.openArchive(u)
	require.NoError(t, err)
	require.True(t, tr.commitState(a, u, &notificationFile{SessionID: uuid.MustParse(testSessionID), Serial: 1}))
	require.NoError(t, a.Close())

	current, updated := tr.Fetch(context.Background(), u)
	assert.True(t, current)
	assert.True(t, updated)
	assert.False(t, snapshotHit, "delta path should not fall through to snapshot")

	objURI, err := uri.Parse("rsync://rpki.example.net/repo/b.roa")
	require.NoError(t, err)
	content, ok, err := tr.LoadObject(u, objURI)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("roa-b"), content)
}

var notifyURLPlaceholder3 string
