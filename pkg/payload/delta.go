package payload

import "sort"

// Delta carries the changes from the snapshot at Serial-1 to the
// snapshot at Serial. Announce and Withdraw are sorted and disjoint;
// adding every announced item to the older snapshot and removing every
// withdrawn one yields the newer snapshot exactly.
type Delta struct {
	Serial   uint32
	Announce []Payload
	Withdraw []Payload
}

// Empty reports whether the delta changes nothing.
func (d *Delta) Empty() bool {
	return len(d.Announce) == 0 && len(d.Withdraw) == 0
}

func sortPayloads(items []Payload) {
	sort.Slice(items, func(i, j int) bool {
		return items[i].Compare(items[j]) < 0
	})
}

// computeDelta diffs two snapshots into the delta carrying the given
// target serial: announce = next − current, withdraw = current − next.
func computeDelta(serial uint32, current, next *Snapshot) *Delta {
	curSet := current.keySet()
	nextSet := next.keySet()

	d := &Delta{Serial: serial}
	for key := range nextSet {
		if !curSet[key] {
			d.Announce = append(d.Announce, key)
		}
	}
	for key := range curSet {
		if !nextSet[key] {
			d.Withdraw = append(d.Withdraw, key)
		}
	}
	sortPayloads(d.Announce)
	sortPayloads(d.Withdraw)
	return d
}

// mergeDeltas combines two consecutive-range deltas into one covering
// both: the later serial wins, and where b reverses a change made by a
// (an item announced by a and withdrawn by b, or withdrawn by a and
// announced by b), only b's change is kept.
func mergeDeltas(a, b *Delta) *Delta {
	announceA := payloadSet(a.Announce)
	withdrawA := payloadSet(a.Withdraw)
	announceB := payloadSet(b.Announce)
	withdrawB := payloadSet(b.Withdraw)

	announce := make(map[Payload]bool)
	for key := range announceA {
		if !withdrawB[key] {
			announce[key] = true
		}
	}
	for key := range announceB {
		announce[key] = true
	}
	withdraw := make(map[Payload]bool)
	for key := range withdrawA {
		if !announceB[key] {
			withdraw[key] = true
		}
	}
	for key := range withdrawB {
		withdraw[key] = true
	}

	out := &Delta{Serial: b.Serial}
	for key := range announce {
		out.Announce = append(out.Announce, key)
	}
	for key := range withdraw {
		out.Withdraw = append(out.Withdraw, key)
	}
	sortPayloads(out.Announce)
	sortPayloads(out.Withdraw)
	return out
}

func payloadSet(items []Payload) map[Payload]bool {
	set := make(map[Payload]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}
