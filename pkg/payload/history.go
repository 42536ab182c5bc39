package payload

import (
	"sync"
	"time"

	"github.com/cuemby/rpkid/pkg/engine"
	"github.com/cuemby/rpkid/pkg/log"
	"github.com/cuemby/rpkid/pkg/metrics"
)

// DefaultHistorySize is how many deltas the ring keeps when the
// operator hasn't overridden it.
const DefaultHistorySize = 10

// Timing is the refresh/retry/expire interval triple RTR advertises to
// its clients, in seconds.
type Timing struct {
	Refresh int
	Retry   int
	Expire  int
}

// DefaultTiming mirrors the RFC 8210 recommended values.
func DefaultTiming() Timing {
	return Timing{Refresh: 3600, Retry: 600, Expire: 7200}
}

// History is the payload store RTR and other consumers read: the
// current snapshot, a bounded ring of the most recent deltas, and the
// session/serial pair that identifies them. A single writer (the end of
// a validation run) calls Update; any number of readers may hold the
// read side concurrently.
type History struct {
	mu sync.RWMutex

	session uint64
	serial  uint32
	current *Snapshot
	deltas  []*Delta
	size    int

	unsafePolicy engine.FilterPolicy
	exceptions   *Exceptions
	timing       Timing
}

// NewHistory creates an empty, not-yet-ready history. The session
// identifier derives from the wall-clock seconds at startup; RTR uses
// its lower 16 bits. size bounds the delta ring; zero or negative
// selects DefaultHistorySize.
func NewHistory(size int, unsafePolicy engine.FilterPolicy) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{
		session:      uint64(time.Now().Unix()),
		size:         size,
		unsafePolicy: unsafePolicy,
		timing:       DefaultTiming(),
	}
}

// SetExceptions installs the SLURM exceptions applied to every
// subsequent Update. Passing nil clears them.
func (h *History) SetExceptions(e *Exceptions) {
	h.mu.Lock()
	h.exceptions = e
	h.mu.Unlock()
}

// SetTiming overrides the advertised refresh/retry/expire intervals.
func (h *History) SetTiming(t Timing) {
	h.mu.Lock()
	h.timing = t
	h.mu.Unlock()
}

// Update folds one run's report into the history: it filters the
// report's payload against the rejected-resources set and the SLURM
// filters, merges in SLURM assertions, and, if the resulting sorted
// payload differs from the current snapshot, bumps the serial and
// pushes the diff onto the delta ring. It returns true when the
// payload set changed.
func (h *History) Update(report *Report) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	builder := NewSnapshotBuilder()
	report.mu.Lock()
	payloads := report.payloads
	rejected := &report.rejected
	refresh := report.refresh
	report.mu.Unlock()

	for _, info := range payloads {
		if rejected.covers(info.Payload) {
			switch h.unsafePolicy {
			case engine.Reject:
				metrics.UnsafeVRPsTotal.WithLabelValues("reject").Inc()
				continue
			case engine.Warn:
				metrics.UnsafeVRPsTotal.WithLabelValues("warn").Inc()
				componentLogger := log.WithComponent("payload")
				componentLogger.Warn().
					Str("payload", info.Payload.String()).
					Msg("keeping payload covered by a rejected CA")
			case engine.Accept:
			}
		}
		if h.exceptions.Drop(info.Payload) {
			continue
		}
		builder.Add(info)
	}
	for _, info := range h.exceptions.assertions() {
		builder.Add(info)
	}

	// RTR conditional requests resolve at second granularity, so two
	// snapshots must never share a wall-clock second.
	created := time.Now()
	if h.current != nil && created.Unix() <= h.current.Created().Unix() {
		created = h.current.Created().Add(time.Second)
	}
	next := builder.Finalize(created, refresh)

	if h.current != nil && h.current.SamePayload(next) {
		return false
	}

	var previous *Snapshot
	if h.current != nil {
		previous = h.current
	}
	h.serial++
	delta := computeDelta(h.serial, previous, next)
	h.deltas = append(h.deltas, delta)
	if len(h.deltas) > h.size {
		h.deltas = h.deltas[1:]
	}
	h.current = next
	metrics.PayloadSerial.Set(float64(h.serial))
	return true
}

// Ready reports whether at least one successful run has produced data.
func (h *History) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current != nil
}

// Notify returns the session (lower 16 bits) and serial an RTR serial
// notify PDU carries.
func (h *History) Notify() (session uint16, serial uint32) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return uint16(h.session), h.serial
}

// State identifies a point in the history a reader is synchronised to.
type State struct {
	Session uint64
	Serial  uint32
}

// Full returns the current state and the complete payload list, for a
// client performing a cache reset.
func (h *History) Full() (State, []Info) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	state := State{Session: h.session, Serial: h.serial}
	if h.current == nil {
		return state, nil
	}
	items := make([]Info, h.current.Len())
	for i := range items {
		items[i] = h.current.At(i)
	}
	return state, items
}

// Diff returns the changes since the given reader state, or ok=false
// when the state's session differs or its serial is too old (or in the
// future) to cover from the ring — the client must fall back to Full.
func (h *History) Diff(state State) (State, *Delta, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if state.Session != h.session || h.current == nil {
		return State{}, nil, false
	}
	delta, ok := h.deltaSince(state.Serial)
	if !ok {
		return State{}, nil, false
	}
	return State{Session: h.session, Serial: h.serial}, delta, true
}

// DeltaSince returns the merged delta covering (serial, current], an
// empty delta carrying the current serial when serial is current, and
// ok=false when serial is in the future or has already fallen off the
// ring.
func (h *History) DeltaSince(serial uint32) (*Delta, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.deltaSince(serial)
}

func (h *History) deltaSince(serial uint32) (*Delta, bool) {
	if serial == h.serial {
		return &Delta{Serial: h.serial}, true
	}
	if serial > h.serial {
		return nil, false
	}
	if len(h.deltas) == 0 || serial+1 < h.deltas[0].Serial {
		return nil, false
	}
	if serial+1 == h.serial {
		return h.deltas[len(h.deltas)-1], true
	}
	var merged *Delta
	for _, d := range h.deltas {
		if d.Serial <= serial {
			continue
		}
		if merged == nil {
			merged = d
		} else {
			merged = mergeDeltas(merged, d)
		}
	}
	if merged == nil || merged.Serial != h.serial {
		return nil, false
	}
	return merged, true
}

// Timing returns the advertised refresh/retry/expire intervals.
func (h *History) Timing() Timing {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.timing
}

// Current returns the current snapshot, nil before the first
// successful run.
func (h *History) Current() *Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Serial returns the current serial number.
func (h *History) Serial() uint32 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.serial
}
