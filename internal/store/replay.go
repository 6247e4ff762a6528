package store

import (
	"context"
	"fmt"

	"github.com/roach88/seqcommit/internal/canon"
	"github.com/roach88/seqcommit/internal/ordered"
)

// RunState is a run's journal replayed to commit state.
type RunState struct {
	Run     Run
	Records int
	State   ordered.ReplayState
	Digest  string

	// JournalDigest hashes the raw records in position order. Two runs
	// can share a Digest while their journals interleave differently.
	JournalDigest string
}

// ReplayRun reads the run and its journal and replays it. The result tells
// a restarted coordinator where the commit cursor stood and which seqs had
// already reported.
func (s *Store) ReplayRun(ctx context.Context, runID string) (RunState, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return RunState{}, fmt.Errorf("replay run: %w", err)
	}

	records, err := s.ReadJournal(ctx, runID)
	if err != nil {
		return RunState{}, fmt.Errorf("replay run: %w", err)
	}

	state, err := ordered.ReplayJournal(records, run.Expected)
	if err != nil {
		return RunState{}, fmt.Errorf("replay run %q: %w", runID, err)
	}

	digest, err := state.Digest()
	if err != nil {
		return RunState{}, fmt.Errorf("replay run %q: %w", runID, err)
	}

	journalDigest, err := canon.Digest(canon.DomainJournal, records)
	if err != nil {
		return RunState{}, fmt.Errorf("replay run %q: %w", runID, err)
	}

	return RunState{
		Run:           run,
		Records:       len(records),
		State:         state,
		Digest:        digest,
		JournalDigest: journalDigest,
	}, nil
}
