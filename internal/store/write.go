package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/seqcommit/internal/ordered"
)

// ErrPositionConflict is returned when a different record already occupies
// a journal position.
var ErrPositionConflict = errors.New("journal position already holds a different record")

// Run is one recorded pipeline run.
type Run struct {
	ID        string
	CreatedAt time.Time
	Label     string
	Expected  []int64
}

// CreateRun inserts a run record.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - recreating a run is a no-op.
func (s *Store) CreateRun(ctx context.Context, run Run) error {
	seqsJSON, err := marshalSeqs(run.Expected)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, created_at, label, expected_seqs)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		run.ID,
		run.CreatedAt.UnixMilli(),
		run.Label,
		seqsJSON,
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// AppendRecord writes rec at position pos of the run's journal.
// Rewriting an identical record is a no-op; a different record at an
// occupied position returns ErrPositionConflict.
func (s *Store) AppendRecord(ctx context.Context, runID string, pos int, rec ordered.Record) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO journal (run_id, pos, kind, seq, outcome, reason)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, pos) DO NOTHING
	`,
		runID,
		pos,
		string(rec.Kind),
		rec.Seq,
		string(rec.Outcome),
		rec.Reason,
	)
	if err != nil {
		return fmt.Errorf("append record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	if n > 0 {
		return nil
	}

	existing, err := s.readRecord(ctx, runID, pos)
	if err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	if existing != rec {
		return fmt.Errorf("append record %s at %d: %w (have %s)", rec, pos, ErrPositionConflict, existing)
	}
	return nil
}

// Sink returns an ordered.JournalSink that appends to runID's journal.
func (s *Store) Sink(runID string) ordered.JournalSink {
	return &journalSink{store: s, runID: runID}
}

type journalSink struct {
	store *Store
	runID string
}

func (j *journalSink) Append(ctx context.Context, pos int, rec ordered.Record) error {
	return j.store.AppendRecord(ctx, j.runID, pos, rec)
}
