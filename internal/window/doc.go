// Package window partitions seq-ordered work into contiguous windows.
//
// A window is a run of consecutive seqs bounded by entry count, predicted
// cost, predicted bytes and seq span. Windows close early once they reach an
// adaptive target cost, which shrinks when the commit cursor lags or too
// many bytes are buffered and grows when workers sit idle. The target is a
// pure function of the telemetry passed in, so identical inputs always
// produce identical plans.
//
// ActiveWindows selects the one or two windows at the commit cursor that a
// coordinator should be dispatching from.
package window
