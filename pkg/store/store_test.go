package store

import (
	"crypto/sha256"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreTAThenLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.LoadTA("rsync://rpki.example.net/repo/ta.cer")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.StoreTA("rsync://rpki.example.net/repo/ta.cer", []byte("cert-bytes")))
	cert, ok, err := s.LoadTA("rsync://rpki.example.net/repo/ta.cer")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("cert-bytes"), cert)
}

func TestStoreTAOverwritesPreviousValue(t *testing.T) {
	s := newTestStore(t)
	uri := "rsync://rpki.example.net/repo/ta.cer"
	require.NoError(t, s.StoreTA(uri, []byte("first")))
	require.NoError(t, s.StoreTA(uri, []byte("second, and longer than first")))

	cert, ok, err := s.LoadTA(uri)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("second, and longer than first"), cert)
}

func hashOf(b []byte) [sha256.Size]byte { return sha256.Sum256(b) }

func TestUpdatePointThenLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	manifestURI := "rsync://rpki.example.net/repo/ca/manifest.mft"

	objs := []PointObject{
		{Name: "cert.cer", Hash: hashOf([]byte("cert-content")), Content: []byte("cert-content")},
		{Name: "roa.roa", Hash: hashOf([]byte("roa-content")), Content: []byte("roa-content")},
	}
	i := 0
	rec := StoredManifest{
		NotAfter:      time.Unix(1700000000, 0).UTC(),
		CARepository:  "rsync://rpki.example.net/repo/ca/",
		RPKIManifest:  manifestURI,
		ManifestBytes: []byte("manifest-der"),
		CRLURI:        "rsync://rpki.example.net/repo/ca/revoked.crl",
		CRLBytes:      []byte("crl-der"),
	}
	err := s.UpdatePoint(manifestURI, rec, func() (PointObject, bool, error) {
		if i >= len(objs) {
			return PointObject{}, false, nil
		}
		o := objs[i]
		i++
		return o, true, nil
	})
	require.NoError(t, err)

	loaded, objects, ok, err := s.LoadPoint(manifestURI)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.ManifestBytes, loaded.ManifestBytes)
	assert.Equal(t, rec.CRLBytes, loaded.CRLBytes)
	assert.Equal(t, rec.CARepository, loaded.CARepository)
	require.Len(t, objects, 2)

	byName := map[string]StoredObject{}
	for _, o := range objects {
		byName[o.Name] = o
	}
	assert.Equal(t, []byte("cert-content"), byName["cert.cer"].Content)
	assert.Equal(t, []byte("roa-content"), byName["roa.roa"].Content)
}

func TestLoadPointMissingReturnsNotOK(t *testing.T) {
	s := newTestStore(t)
	_, _, ok, err := s.LoadPoint("rsync://rpki.example.net/repo/ca/manifest.mft")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdatePointRejectsHashMismatchAndKeepsOldVersion(t *testing.T) {
	s := newTestStore(t)
	manifestURI := "rsync://rpki.example.net/repo/ca/manifest.mft"

	good := []PointObject{{Name: "a.roa", Hash: hashOf([]byte("a-content")), Content: []byte("a-content")}}
	gi := 0
	require.NoError(t, s.UpdatePoint(manifestURI, StoredManifest{RPKIManifest: manifestURI}, func() (PointObject, bool, error) {
		if gi >= len(good) {
			return PointObject{}, false, nil
		}
		o := good[gi]
		gi++
		return o, true, nil
	}))

	bad := []PointObject{{Name: "b.roa", Hash: hashOf([]byte("wrong")), Content: []byte("actual")}}
	bi := 0
	err := s.UpdatePoint(manifestURI, StoredManifest{RPKIManifest: manifestURI, CRLURI: "new"}, func() (PointObject, bool, error) {
		if bi >= len(bad) {
			return PointObject{}, false, nil
		}
		o := bad[bi]
		bi++
		return o, true, nil
	})
	require.Error(t, err)

	rec, objects, ok, err := s.LoadPoint(manifestURI)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, rec.CRLURI)
	require.Len(t, objects, 1)
	assert.Equal(t, "a.roa", objects[0].Name)
}

func TestUpdatePointPropagatesIteratorError(t *testing.T) {
	s := newTestStore(t)
	manifestURI := "rsync://rpki.example.net/repo/ca/manifest.mft"

	err := s.UpdatePoint(manifestURI, StoredManifest{RPKIManifest: manifestURI}, func() (PointObject, bool, error) {
		return PointObject{}, false, assert.AnError
	})
	require.Error(t, err)

	_, _, ok, err := s.LoadPoint(manifestURI)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDrainRemovesUnseenPoints(t *testing.T) {
	s := newTestStore(t)
	kept := "rsync://rpki.example.net/repo/kept/manifest.mft"
	dropped := "rsync://rpki.example.net/repo/dropped/manifest.mft"

	for _, uri := range []string{kept, dropped} {
		require.NoError(t, s.UpdatePoint(uri, StoredManifest{RPKIManifest: uri}, func() (PointObject, bool, error) {
			return PointObject{}, false, nil
		}))
	}

	require.NoError(t, s.Drain(map[string]bool{kept: true}))

	_, _, ok, err := s.LoadPoint(kept)
	require.NoError(t, err)
	assert.True(t, ok)

	_, _, ok, err = s.LoadPoint(dropped)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestArchiveFileForIsDeterministicAndFilesystemSafe(t *testing.T) {
	a := archiveFileFor("rsync://rpki.example.net/repo/ca/manifest.mft")
	b := archiveFileFor("rsync://rpki.example.net/repo/ca/manifest.mft")
	assert.Equal(t, a, b)
	assert.Equal(t, filepath.Base(a), a)
}
