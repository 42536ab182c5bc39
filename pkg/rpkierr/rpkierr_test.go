package rpkierr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindWrappingAndUnwrap(t *testing.T) {
	cause := errors.New("premature EOF")
	err := Decodef("reading SEQUENCE: %w", cause)

	require.Error(t, err)
	assert.True(t, Is(err, KindDecode))
	assert.False(t, Is(err, KindValidation))
	assert.ErrorIs(t, err, cause)
}

func TestIsThroughFmtErrorfWrapping(t *testing.T) {
	inner := Transportf("rsync exited with status %d", 23)
	outer := fmt.Errorf("fetching module: %w", inner)

	assert.True(t, Is(outer, KindTransport))
}

func TestStoreKindsAreDistinct(t *testing.T) {
	abort := StoreAbortf("manifest missing referenced file")
	fatal := StoreFatalf("archive header checksum mismatch")

	assert.True(t, Is(abort, KindStoreAbort))
	assert.False(t, Is(abort, KindStoreFatal))
	assert.True(t, Is(fatal, KindStoreFatal))
	assert.False(t, Is(fatal, KindStoreAbort))
}

func TestFailedSentinel(t *testing.T) {
	wrapped := fmt.Errorf("worker panicked: %w", Failed)
	assert.ErrorIs(t, wrapped, Failed)
}

func TestErrorMessageIncludesKindAndCause(t *testing.T) {
	err := Stalef("next_update %s < now", "2024-01-01T00:00:00Z")
	assert.Contains(t, err.Error(), "stale")
	assert.Contains(t, err.Error(), "2024-01-01T00:00:00Z")
}
