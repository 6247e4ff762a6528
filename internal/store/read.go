package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/seqcommit/internal/ordered"
)

// ErrRunNotFound is returned when a run ID has no record.
var ErrRunNotFound = errors.New("run not found")

// GetRun returns the run with the given ID.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, label, expected_seqs
		FROM runs
		WHERE id = ?
	`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("get run %q: %w", id, ErrRunNotFound)
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run %q: %w", id, err)
	}
	return run, nil
}

// ListRuns returns all runs ordered by creation time, then ID.
// Returns an empty slice (not nil) when there are none.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, label, expected_seqs
		FROM runs
		ORDER BY created_at ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// ReadJournal returns the run's journal in position order. A gap in
// positions means a write was lost and is reported as an error.
func (s *Store) ReadJournal(ctx context.Context, runID string) ([]ordered.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pos, kind, seq, outcome, reason
		FROM journal
		WHERE run_id = ?
		ORDER BY pos ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	records := []ordered.Record{}
	for rows.Next() {
		var pos int
		var rec ordered.Record
		var kind, outcome string
		if err := rows.Scan(&pos, &kind, &rec.Seq, &outcome, &rec.Reason); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		if pos != len(records) {
			return nil, fmt.Errorf("read journal %q: missing record at position %d", runID, len(records))
		}
		rec.Kind = ordered.RecordKind(kind)
		rec.Outcome = ordered.Outcome(outcome)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal: %w", err)
	}
	return records, nil
}

// readRecord returns the record at one journal position.
func (s *Store) readRecord(ctx context.Context, runID string, pos int) (ordered.Record, error) {
	var rec ordered.Record
	var kind, outcome string
	err := s.db.QueryRowContext(ctx, `
		SELECT kind, seq, outcome, reason
		FROM journal
		WHERE run_id = ? AND pos = ?
	`, runID, pos).Scan(&kind, &rec.Seq, &outcome, &rec.Reason)
	if err != nil {
		return ordered.Record{}, fmt.Errorf("read record %d: %w", pos, err)
	}
	rec.Kind = ordered.RecordKind(kind)
	rec.Outcome = ordered.Outcome(outcome)
	return rec, nil
}

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var run Run
	var createdAt int64
	var seqsJSON string
	if err := row.Scan(&run.ID, &createdAt, &run.Label, &seqsJSON); err != nil {
		return Run{}, err
	}
	seqs, err := unmarshalSeqs(seqsJSON)
	if err != nil {
		return Run{}, err
	}
	run.CreatedAt = time.UnixMilli(createdAt).UTC()
	run.Expected = seqs
	return run, nil
}
