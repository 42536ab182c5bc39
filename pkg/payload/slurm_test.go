package payload

import (
	"testing"

	"github.com/cuemby/rpkid/pkg/resources"
	"github.com/stretchr/testify/assert"
)

func asnRef(n resources.ASNumber) *resources.ASNumber { return &n }

func TestPrefixFilterCoversMoreSpecifics(t *testing.T) {
	prefix := v4Prefix(t, 192, 0, 2, 0, 24)
	e := &Exceptions{PrefixFilters: []PrefixFilter{{Prefix: &prefix}}}

	assert.True(t, e.Drop(testOrigin(t, 192, 0, 2, 0, 24, 24, 64496)))
	assert.True(t, e.Drop(testOrigin(t, 192, 0, 2, 128, 25, 25, 64496)))
	assert.False(t, e.Drop(testOrigin(t, 192, 0, 3, 0, 24, 24, 64496)))
}

func TestPrefixFilterByASNOnly(t *testing.T) {
	e := &Exceptions{PrefixFilters: []PrefixFilter{{ASN: asnRef(64496)}}}

	assert.True(t, e.Drop(testOrigin(t, 192, 0, 2, 0, 24, 24, 64496)))
	assert.False(t, e.Drop(testOrigin(t, 192, 0, 2, 0, 24, 24, 64497)))
}

func TestPrefixFilterRequiresBothWhenBothSet(t *testing.T) {
	prefix := v4Prefix(t, 192, 0, 2, 0, 24)
	e := &Exceptions{PrefixFilters: []PrefixFilter{{Prefix: &prefix, ASN: asnRef(64496)}}}

	assert.True(t, e.Drop(testOrigin(t, 192, 0, 2, 0, 24, 24, 64496)))
	assert.False(t, e.Drop(testOrigin(t, 192, 0, 2, 0, 24, 24, 64497)))
}

func TestEmptyPrefixFilterMatchesNothing(t *testing.T) {
	e := &Exceptions{PrefixFilters: []PrefixFilter{{}}}
	assert.False(t, e.Drop(testOrigin(t, 192, 0, 2, 0, 24, 24, 64496)))
}

func TestBgpsecFilter(t *testing.T) {
	e := &Exceptions{BgpsecFilters: []BgpsecFilter{
		{ASN: asnRef(64496)},
		{SKI: "00ff"},
	}}

	assert.True(t, e.Drop(RouterKeyPayload(RouterKey{ASN: 64496, KeyID: "aa"})))
	assert.True(t, e.Drop(RouterKeyPayload(RouterKey{ASN: 1, KeyID: "00ff"})))
	assert.False(t, e.Drop(RouterKeyPayload(RouterKey{ASN: 1, KeyID: "aa"})))
	// Filters never touch non-router-key payload.
	assert.False(t, e.Drop(ASPAPayload(ASPA{Customer: 64496})))
}

func TestNilExceptionsDropNothing(t *testing.T) {
	var e *Exceptions
	assert.False(t, e.Drop(testOrigin(t, 192, 0, 2, 0, 24, 24, 64496)))
	assert.Empty(t, e.assertions())
}
