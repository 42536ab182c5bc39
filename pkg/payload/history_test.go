package payload

import (
	"testing"
	"time"

	"github.com/cuemby/rpkid/pkg/engine"
	"github.com/cuemby/rpkid/pkg/resources"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reportOf(payloads ...Payload) *Report {
	r := newReport()
	for _, p := range payloads {
		r.payloads = append(r.payloads, Info{
			Payload: p,
			Sources: []Source{{TAL: "example", URI: "rsync://example.org/repo/obj.roa"}},
		})
	}
	return r
}

func TestHistoryFirstUpdate(t *testing.T) {
	h := NewHistory(10, engine.Reject)
	assert.False(t, h.Ready())

	changed := h.Update(reportOf(testOrigin(t, 192, 0, 2, 0, 24, 24, 64496)))
	assert.True(t, changed)
	assert.True(t, h.Ready())
	assert.Equal(t, uint32(1), h.Serial())
	assert.Equal(t, 1, h.Current().Len())
}

func TestHistoryUnchangedRunKeepsSerial(t *testing.T) {
	h := NewHistory(10, engine.Reject)
	origin := testOrigin(t, 192, 0, 2, 0, 24, 24, 64496)

	require.True(t, h.Update(reportOf(origin)))
	first := h.Current().Created()

	assert.False(t, h.Update(reportOf(origin)))
	assert.Equal(t, uint32(1), h.Serial())
	assert.Equal(t, first, h.Current().Created())
}

func TestHistoryCreatedTimesAtLeastOneSecondApart(t *testing.T) {
	h := NewHistory(10, engine.Reject)
	a := testOrigin(t, 192, 0, 2, 0, 24, 24, 64496)
	b := testOrigin(t, 10, 0, 0, 0, 8, 8, 64500)

	require.True(t, h.Update(reportOf(a)))
	first := h.Current().Created()
	require.True(t, h.Update(reportOf(a, b)))
	second := h.Current().Created()

	assert.Greater(t, second.Unix(), first.Unix())
}

func TestHistoryRevocationDelta(t *testing.T) {
	h := NewHistory(10, engine.Reject)
	origin := testOrigin(t, 192, 0, 2, 0, 24, 24, 64496)

	require.True(t, h.Update(reportOf(origin)))
	require.True(t, h.Update(reportOf()))

	d, ok := h.DeltaSince(1)
	require.True(t, ok)
	assert.Equal(t, uint32(2), d.Serial)
	assert.Empty(t, d.Announce)
	assert.Equal(t, []Payload{origin}, d.Withdraw)
}

func TestDeltaSinceCurrentSerialIsEmpty(t *testing.T) {
	h := NewHistory(10, engine.Reject)
	require.True(t, h.Update(reportOf(testOrigin(t, 192, 0, 2, 0, 24, 24, 64496))))

	d, ok := h.DeltaSince(1)
	require.True(t, ok)
	assert.True(t, d.Empty())
}

func TestDeltaSinceMergesRange(t *testing.T) {
	h := NewHistory(10, engine.Reject)
	a := testOrigin(t, 192, 0, 2, 0, 24, 24, 64496)
	b := testOrigin(t, 10, 0, 0, 0, 8, 8, 64500)
	c := testOrigin(t, 198, 51, 100, 0, 24, 24, 64501)

	require.True(t, h.Update(reportOf(a)))
	require.True(t, h.Update(reportOf(a, b)))
	require.True(t, h.Update(reportOf(b, c)))

	d, ok := h.DeltaSince(1)
	require.True(t, ok)
	assert.Equal(t, uint32(3), d.Serial)
	assert.ElementsMatch(t, []Payload{b, c}, d.Announce)
	assert.Equal(t, []Payload{a}, d.Withdraw)
}

func TestDeltaSinceFutureOrTooOld(t *testing.T) {
	h := NewHistory(2, engine.Reject)
	a := testOrigin(t, 192, 0, 2, 0, 24, 24, 64496)
	b := testOrigin(t, 10, 0, 0, 0, 8, 8, 64500)
	c := testOrigin(t, 198, 51, 100, 0, 24, 24, 64501)

	require.True(t, h.Update(reportOf(a)))
	require.True(t, h.Update(reportOf(b)))
	require.True(t, h.Update(reportOf(c)))

	_, ok := h.DeltaSince(4)
	assert.False(t, ok, "future serial")

	// The ring only holds deltas 2 and 3 now; serial 0 is unreachable.
	_, ok = h.DeltaSince(0)
	assert.False(t, ok, "serial fell off the ring")

	_, ok = h.DeltaSince(1)
	assert.True(t, ok)
}

func TestDiffRejectsForeignSession(t *testing.T) {
	h := NewHistory(10, engine.Reject)
	require.True(t, h.Update(reportOf(testOrigin(t, 192, 0, 2, 0, 24, 24, 64496))))

	state, _, ok := h.Diff(State{Session: h.session, Serial: 1})
	require.True(t, ok)
	assert.Equal(t, uint32(1), state.Serial)

	_, _, ok = h.Diff(State{Session: h.session + 1, Serial: 1})
	assert.False(t, ok)
}

func TestUpdateDropsPayloadOfRejectedCA(t *testing.T) {
	h := NewHistory(10, engine.Reject)

	inside := testOrigin(t, 192, 0, 2, 0, 24, 24, 64496)
	outside := testOrigin(t, 10, 0, 0, 0, 8, 8, 64500)
	r := reportOf(inside, outside)

	block, err := resources.PrefixBlock(resources.FamilyIPv4, resources.AddrFromIPv4(192<<24), 8)
	require.NoError(t, err)
	set, err := resources.NewIPSet(resources.FamilyIPv4, []resources.IPBlock{block})
	require.NoError(t, err)
	r.rejected.v4 = append(r.rejected.v4, set)

	require.True(t, h.Update(r))
	require.Equal(t, 1, h.Current().Len())
	assert.Equal(t, outside, h.Current().At(0).Payload)
}

func TestUpdateKeepsUnsafePayloadUnderWarn(t *testing.T) {
	h := NewHistory(10, engine.Warn)

	inside := testOrigin(t, 192, 0, 2, 0, 24, 24, 64496)
	r := reportOf(inside)

	block, err := resources.PrefixBlock(resources.FamilyIPv4, resources.AddrFromIPv4(192<<24), 8)
	require.NoError(t, err)
	set, err := resources.NewIPSet(resources.FamilyIPv4, []resources.IPBlock{block})
	require.NoError(t, err)
	r.rejected.v4 = append(r.rejected.v4, set)

	require.True(t, h.Update(r))
	assert.Equal(t, 1, h.Current().Len())
}

func TestUpdateAppliesSlurmFiltersAndAssertions(t *testing.T) {
	h := NewHistory(10, engine.Reject)

	filtered := testOrigin(t, 192, 0, 2, 0, 24, 24, 64496)
	kept := testOrigin(t, 10, 0, 0, 0, 8, 8, 64500)
	asserted := testOrigin(t, 203, 0, 113, 0, 24, 24, 64502)

	prefix := v4Prefix(t, 192, 0, 2, 0, 24)
	h.SetExceptions(&Exceptions{
		PrefixFilters: []PrefixFilter{{Prefix: &prefix}},
		Assertions: []Info{{
			Payload: asserted,
			Sources: []Source{{TAL: "local", URI: "slurm"}},
		}},
	})

	require.True(t, h.Update(reportOf(filtered, kept)))
	snap := h.Current()
	require.Equal(t, 2, snap.Len())
	keys := []Payload{snap.At(0).Payload, snap.At(1).Payload}
	assert.ElementsMatch(t, []Payload{kept, asserted}, keys)
}

func TestNotifyExposesLowSessionBits(t *testing.T) {
	h := NewHistory(10, engine.Reject)
	session, serial := h.Notify()
	assert.Equal(t, uint16(h.session), session)
	assert.Equal(t, uint32(0), serial)
}

func TestHistoryTiming(t *testing.T) {
	h := NewHistory(0, engine.Reject)
	assert.Equal(t, DefaultTiming(), h.Timing())
	h.SetTiming(Timing{Refresh: 60, Retry: 30, Expire: 600})
	assert.Equal(t, 60, h.Timing().Refresh)
}

func TestFullReturnsSortedPayload(t *testing.T) {
	h := NewHistory(10, engine.Reject)
	a := testOrigin(t, 192, 0, 2, 0, 24, 24, 64496)
	b := testOrigin(t, 10, 0, 0, 0, 8, 8, 64500)
	require.True(t, h.Update(reportOf(a, b)))

	state, items := h.Full()
	assert.Equal(t, uint32(1), state.Serial)
	require.Len(t, items, 2)
	assert.Equal(t, b, items[0].Payload)
	assert.Equal(t, a, items[1].Payload)
}

func TestRejectedResourcesCoverASPayload(t *testing.T) {
	var r rejectedResources
	set, err := resources.NewASSet([]resources.ASBlock{{Min: 64000, Max: 65000}})
	require.NoError(t, err)
	r.as = append(r.as, set)

	assert.True(t, r.covers(RouterKeyPayload(RouterKey{ASN: 64496})))
	assert.True(t, r.covers(ASPAPayload(ASPA{Customer: 64500})))
	assert.False(t, r.covers(RouterKeyPayload(RouterKey{ASN: 100})))
}

func TestReportRefreshTracksEarliest(t *testing.T) {
	r := newReport()
	later := time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC)
	earlier := time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)
	r.updateRefresh(later)
	r.updateRefresh(earlier)
	r.updateRefresh(later)
	assert.Equal(t, earlier, r.Refresh())
}
