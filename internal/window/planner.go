package window

import (
	"cmp"
	"fmt"
	"math"
	"slices"
)

// Entry is one unit of pending work.
type Entry struct {
	Seq        int64  `json:"seq" yaml:"seq"`
	OrderIndex *int64 `json:"order_index,omitempty" yaml:"order_index,omitempty"`
	Path       string `json:"path,omitempty" yaml:"path,omitempty"`
	Cost       int64  `json:"cost,omitempty" yaml:"cost,omitempty"`
	Bytes      int64  `json:"bytes,omitempty" yaml:"bytes,omitempty"`
}

// cost is the planning cost of e. Every entry costs at least 1.
func (e Entry) cost() int64 {
	return max(1, e.Cost)
}

// Window is a contiguous run of seqs planned together.
type Window struct {
	ID             int     `json:"id"`
	StartSeq       int64   `json:"start_seq"`
	EndSeq         int64   `json:"end_seq"`
	EntryCount     int     `json:"entry_count"`
	PredictedCost  int64   `json:"predicted_cost"`
	PredictedBytes int64   `json:"predicted_bytes"`
	Entries        []Entry `json:"entries,omitempty"`
}

// Contains reports whether seq falls in [StartSeq, EndSeq].
func (w Window) Contains(seq int64) bool {
	return seq >= w.StartSeq && seq <= w.EndSeq
}

// Telemetry is the runtime signal the adaptive target reacts to.
type Telemetry struct {
	CommitLag     int64 `json:"commit_lag"`
	BufferedBytes int64 `json:"buffered_bytes"`

	// ComputeUtilization is busy workers / total workers. Zero is treated
	// as unmeasured and never grows the target.
	ComputeUtilization float64 `json:"-"`
}

// TargetCost returns the adaptive target window cost for the telemetry.
// Pressure (lag or buffered bytes over their soft limits) scales the target
// down by ShrinkFactor; idle workers with low lag scale it up by GrowFactor,
// never past MaxWindowCost.
func TargetCost(cfg Config, tel Telemetry) int64 {
	target := float64(cfg.TargetWindowCost)
	if target <= 0 {
		return 0
	}

	lagHigh := cfg.CommitLagSoft > 0 && tel.CommitLag > cfg.CommitLagSoft
	bytesHigh := cfg.BufferedBytesSoft > 0 && tel.BufferedBytes > cfg.BufferedBytesSoft
	switch {
	case lagHigh || bytesHigh:
		if cfg.ShrinkFactor > 0 && cfg.ShrinkFactor < 1 {
			target *= cfg.ShrinkFactor
		}
	case tel.ComputeUtilization > 0 && tel.ComputeUtilization < cfg.LowUtilization && tel.CommitLag <= cfg.CommitLagSoft/2:
		if cfg.GrowFactor > 1 {
			target *= cfg.GrowFactor
		}
		if cfg.MaxWindowCost > 0 {
			target = math.Min(target, float64(cfg.MaxWindowCost))
		}
	}
	return max(1, int64(math.Floor(target)))
}

// BuildWindows partitions entries into contiguous windows. Entries are
// ordered by seq (stable, so ties keep their input order); a repeated or
// negative seq is an error. The input slice is not modified.
func BuildWindows(entries []Entry, cfg Config, tel Telemetry) ([]Window, error) {
	sorted := slices.Clone(entries)
	slices.SortStableFunc(sorted, func(a, b Entry) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
	for i, e := range sorted {
		if e.Seq < 0 {
			return nil, fmt.Errorf("build windows: negative seq %d", e.Seq)
		}
		if i > 0 && sorted[i-1].Seq == e.Seq {
			return nil, fmt.Errorf("build windows: duplicate seq %d", e.Seq)
		}
	}

	target := TargetCost(cfg, tel)
	minEntries := max(1, cfg.MinWindowEntries)

	var windows []Window
	var cur *Window
	for _, e := range sorted {
		if cur != nil && breaksWindow(cur, e, cfg, target, minEntries) {
			windows = append(windows, *cur)
			cur = nil
		}
		if cur == nil {
			cur = &Window{ID: len(windows), StartSeq: e.Seq, EndSeq: e.Seq}
		}
		cur.EndSeq = e.Seq
		cur.EntryCount++
		cur.PredictedCost += e.cost()
		cur.PredictedBytes += max(0, e.Bytes)
		cur.Entries = append(cur.Entries, e)
	}
	if cur != nil {
		windows = append(windows, *cur)
	}
	return windows, nil
}

// breaksWindow reports whether adding e to the non-empty window w would
// violate a bound.
func breaksWindow(w *Window, e Entry, cfg Config, target int64, minEntries int) bool {
	switch {
	case e.Seq != w.EndSeq+1:
		return true
	case cfg.MaxWindowEntries > 0 && w.EntryCount+1 > cfg.MaxWindowEntries:
		return true
	case cfg.MaxWindowCost > 0 && w.PredictedCost+e.cost() > cfg.MaxWindowCost:
		return true
	case cfg.MaxWindowBytes > 0 && w.PredictedBytes+max(0, e.Bytes) > cfg.MaxWindowBytes:
		return true
	case cfg.MaxInFlightSeqSpan > 0 && e.Seq-w.StartSeq+1 > cfg.MaxInFlightSeqSpan:
		return true
	case target > 0 && w.EntryCount >= minEntries && w.PredictedCost+e.cost() > target:
		return true
	}
	return false
}

// ActiveWindows returns up to maxActive consecutive windows starting at the
// first window that contains or follows nextCommitSeq. maxActive is clamped
// to [1, 2].
func ActiveWindows(windows []Window, nextCommitSeq int64, maxActive int) []Window {
	n := clampActive(maxActive)
	for i, w := range windows {
		if w.EndSeq >= nextCommitSeq {
			end := min(len(windows), i+n)
			return windows[i:end]
		}
	}
	return nil
}
