package window

import (
	"cmp"
	"slices"
)

// ResolveOrderIndex returns e's explicit order index, or fallback (floored
// at zero) when none is set.
func ResolveOrderIndex(e Entry, fallback int) int64 {
	if e.OrderIndex != nil {
		return *e.OrderIndex
	}
	return int64(max(0, fallback))
}

// SortByOrderIndex returns entries sorted by resolved order index, using
// each entry's input position as the fallback index and tiebreak.
func SortByOrderIndex(entries []Entry) []Entry {
	type keyed struct {
		entry Entry
		index int
		order int64
	}
	items := make([]keyed, len(entries))
	for i, e := range entries {
		items[i] = keyed{entry: e, index: i, order: ResolveOrderIndex(e, i)}
	}
	slices.SortFunc(items, func(a, b keyed) int {
		if c := cmp.Compare(a.order, b.order); c != 0 {
			return c
		}
		return cmp.Compare(a.index, b.index)
	})

	out := make([]Entry, len(items))
	for i, it := range items {
		out[i] = it.entry
	}
	return out
}

// AssignSeqs returns a copy of entries with seqs start, start+1, ... in
// slice order.
func AssignSeqs(entries []Entry, start int64) []Entry {
	out := slices.Clone(entries)
	for i := range out {
		out[i].Seq = start + int64(i)
	}
	return out
}

// Seqs returns the seqs of entries in slice order.
func Seqs(entries []Entry) []int64 {
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.Seq
	}
	return out
}
