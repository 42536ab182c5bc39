package payload

import (
	"sort"
	"time"
)

// Snapshot is the complete, sorted, deduplicated payload set produced by
// one validation run. Snapshots are immutable once built.
type Snapshot struct {
	payloads []Info
	created  time.Time
	refresh  time.Time
}

// Len returns the number of payload items in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.payloads)
}

// At returns the i-th payload item in sorted order.
func (s *Snapshot) At(i int) Info {
	return s.payloads[i]
}

// Created returns the snapshot's creation time.
func (s *Snapshot) Created() time.Time {
	return s.created
}

// Refresh returns the earliest manifest nextUpdate the producing run
// observed, or zero if none.
func (s *Snapshot) Refresh() time.Time {
	return s.refresh
}

// SamePayload reports whether s and other hold the same sorted list of
// payload keys, ignoring source information and timestamps.
func (s *Snapshot) SamePayload(other *Snapshot) bool {
	if s.Len() != other.Len() {
		return false
	}
	for i := range s.payloads {
		if s.payloads[i].Payload != other.payloads[i].Payload {
			return false
		}
	}
	return true
}

// keySet returns the snapshot's payload keys as a set.
func (s *Snapshot) keySet() map[Payload]bool {
	set := make(map[Payload]bool, s.Len())
	if s != nil {
		for _, info := range s.payloads {
			set[info.Payload] = true
		}
	}
	return set
}

// SnapshotBuilder merges payload items into a deduplicated map; a
// duplicate key merges its sources onto the already-stored Info without
// replacing the key.
type SnapshotBuilder struct {
	items map[Payload]*Info
}

// NewSnapshotBuilder creates an empty builder.
func NewSnapshotBuilder() *SnapshotBuilder {
	return &SnapshotBuilder{items: make(map[Payload]*Info)}
}

// Add merges one payload item into the builder.
func (b *SnapshotBuilder) Add(info Info) {
	existing, ok := b.items[info.Payload]
	if !ok {
		stored := Info{Payload: info.Payload}
		stored.Sources = append(stored.Sources, info.Sources...)
		b.items[info.Payload] = &stored
		return
	}
	for _, src := range info.Sources {
		existing.addSource(src)
	}
}

// Finalize sorts the accumulated payload into an immutable Snapshot
// stamped with the given times.
func (b *SnapshotBuilder) Finalize(created, refresh time.Time) *Snapshot {
	payloads := make([]Info, 0, len(b.items))
	for _, info := range b.items {
		payloads = append(payloads, *info)
	}
	sort.Slice(payloads, func(i, j int) bool {
		return payloads[i].Payload.Compare(payloads[j].Payload) < 0
	})
	return &Snapshot{payloads: payloads, created: created, refresh: refresh}
}
