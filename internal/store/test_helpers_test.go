package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/seqcommit/internal/ordered"
)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRun inserts a run expecting seqs and returns it.
func createTestRun(t *testing.T, s *Store, id string, seqs ...int64) Run {
	t.Helper()
	run := Run{
		ID:        id,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Expected:  seqs,
	}
	if err := s.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}
	return run
}

func term(seq int64, o ordered.Outcome) ordered.Record {
	return ordered.Record{Kind: ordered.KindTerminal, Seq: seq, Outcome: o}
}

func commit(seq int64, o ordered.Outcome) ordered.Record {
	return ordered.Record{Kind: ordered.KindCommit, Seq: seq, Outcome: o}
}
