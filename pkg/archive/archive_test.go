package archive

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestArchive(t *testing.T, metaSize int) *Archive {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.archive")
	a, err := Create(path, 16, metaSize)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestPublishFetchRoundTrip(t *testing.T) {
	a := newTestArchive(t, 4)
	require.NoError(t, a.Publish("ca/cert.cer", []byte("meta"), []byte("hello world")))

	meta, content, err := a.Fetch("ca/cert.cer")
	require.NoError(t, err)
	assert.Equal(t, []byte("meta"), meta)
	assert.Equal(t, []byte("hello world"), content)
}

func TestPublishRejectsDuplicateName(t *testing.T) {
	a := newTestArchive(t, 0)
	require.NoError(t, a.Publish("x.roa", nil, []byte("a")))
	err := a.Publish("x.roa", nil, []byte("b"))
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestFetchMissingReturnsNotFound(t *testing.T) {
	a := newTestArchive(t, 0)
	_, _, err := a.Fetch("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFetchIfRejectsOnMetaMismatch(t *testing.T) {
	a := newTestArchive(t, 4)
	require.NoError(t, a.Publish("x.roa", []byte("v001"), []byte("data")))
	_, _, err := a.FetchIf("x.roa", func(meta []byte) bool { return string(meta) == "v999" })
	assert.ErrorIs(t, err, ErrMetaMismatch)
}

func TestUpdateShrinkLeavesFreeBlock(t *testing.T) {
	a := newTestArchive(t, 0)
	require.NoError(t, a.Publish("x.roa", nil, []byte("a long piece of content")))
	require.NoError(t, a.Update("x.roa", nil, []byte("short"), func([]byte) bool { return true }))

	_, content, err := a.Fetch("x.roa")
	require.NoError(t, err)
	assert.Equal(t, []byte("short"), content)
	assert.NoError(t, a.Verify())
}

func TestUpdateGrowAppendsAndFreesOldSlot(t *testing.T) {
	a := newTestArchive(t, 0)
	require.NoError(t, a.Publish("x.roa", nil, []byte("short")))
	longer := []byte("a substantially longer piece of replacement content")
	require.NoError(t, a.Update("x.roa", nil, longer, func([]byte) bool { return true }))

	_, content, err := a.Fetch("x.roa")
	require.NoError(t, err)
	assert.Equal(t, longer, content)
	assert.NoError(t, a.Verify())
}

func TestDeleteThenPublishReusesFreedSpace(t *testing.T) {
	a := newTestArchive(t, 0)
	require.NoError(t, a.Publish("a.roa", nil, []byte("0123456789")))
	require.NoError(t, a.Delete("a.roa", func([]byte) bool { return true }))

	_, _, err := a.Fetch("a.roa")
	assert.ErrorIs(t, err, ErrNotFound)

	sizeAfterDelete := a.size
	require.NoError(t, a.Publish("b.roa", nil, []byte("9876543210")))
	assert.Equal(t, sizeAfterDelete, a.size)
	assert.NoError(t, a.Verify())
}

func TestDeleteMissingReturnsNotFound(t *testing.T) {
	a := newTestArchive(t, 0)
	err := a.Delete("missing", func([]byte) bool { return true })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIterateYieldsEveryLiveObject(t *testing.T) {
	a := newTestArchive(t, 0)
	names := []string{"a.cer", "b.roa", "c.crl", "repo/manifest.mft"}
	for _, n := range names {
		require.NoError(t, a.Publish(n, nil, []byte(n)))
	}
	require.NoError(t, a.Delete("b.roa", func([]byte) bool { return true }))

	seen := make(map[string]bool)
	require.NoError(t, a.Iterate(func(o Object) error {
		seen[o.Name] = true
		assert.Equal(t, []byte(o.Name), o.Content)
		return nil
	}))
	assert.True(t, seen["a.cer"])
	assert.True(t, seen["c.crl"])
	assert.True(t, seen["repo/manifest.mft"])
	assert.False(t, seen["b.roa"])
}

func TestVerifyDetectsHealthyArchive(t *testing.T) {
	a := newTestArchive(t, 8)
	for i := 0; i < 20; i++ {
		require.NoError(t, a.Publish(string(rune('a'+i))+".roa", []byte("meta0001"), []byte("some content")))
	}
	for i := 0; i < 20; i += 3 {
		require.NoError(t, a.Delete(string(rune('a'+i))+".roa", func([]byte) bool { return true }))
	}
	assert.NoError(t, a.Verify())
}

func TestOpenRoundTripsHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.archive")
	a, err := Create(path, 32, 4)
	require.NoError(t, err)
	require.NoError(t, a.Publish("x", []byte("meta"), []byte("content")))
	require.NoError(t, a.Close())

	reopened, err := Open(path, true)
	require.NoError(t, err)
	defer reopened.Close()

	meta, content, err := reopened.Fetch("x")
	require.NoError(t, err)
	assert.Equal(t, []byte("meta"), meta)
	assert.Equal(t, []byte("content"), content)
}
