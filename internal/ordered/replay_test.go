package ordered

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func term(seq int64, o Outcome) Record {
	return Record{Kind: KindTerminal, Seq: seq, Outcome: o}
}

func commit(seq int64, o Outcome) Record {
	return Record{Kind: KindCommit, Seq: seq, Outcome: o}
}

func TestReplayJournal_Basic(t *testing.T) {
	records := []Record{
		term(2, OutcomeSuccess),
		term(0, OutcomeSkip),
		commit(0, OutcomeSkip),
		term(1, OutcomeFail),
		commit(1, OutcomeFail),
		commit(2, OutcomeSuccess),
	}
	state, err := ReplayJournal(records, seqRange(0, 4))
	require.NoError(t, err)

	assert.Equal(t, int64(3), state.NextCommitSeq)
	assert.Equal(t, []int64{0, 1, 2}, state.Committed)
	o, ok := state.Outcome(1)
	assert.True(t, ok)
	assert.Equal(t, OutcomeFail, o)
	assert.Empty(t, state.Pending())
}

func TestReplayJournal_AllCommitted(t *testing.T) {
	state, err := ReplayJournal([]Record{term(7, OutcomeSuccess), commit(7, OutcomeSuccess)}, []int64{7})
	require.NoError(t, err)
	assert.Equal(t, int64(8), state.NextCommitSeq)

	empty, err := ReplayJournal(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), empty.NextCommitSeq)
}

func TestReplayJournal_PendingTerminals(t *testing.T) {
	state, err := ReplayJournal([]Record{term(3, OutcomeSuccess), term(1, OutcomeCancel)}, seqRange(0, 4))
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.NextCommitSeq)
	assert.Equal(t, []int64{1, 3}, state.Pending())
}

func TestReplayJournal_Idempotent(t *testing.T) {
	records := []Record{
		term(1, OutcomeSuccess),
		term(0, OutcomeSuccess),
		commit(0, OutcomeSuccess),
		commit(1, OutcomeSuccess),
		term(3, OutcomeSkip),
	}
	once, err := ReplayJournal(records, seqRange(0, 4))
	require.NoError(t, err)
	twice, err := ReplayJournal(append(append([]Record{}, records...), records...), seqRange(0, 4))
	require.NoError(t, err)

	assert.Equal(t, once, twice)
	d1, err := once.Digest()
	require.NoError(t, err)
	d2, err := twice.Digest()
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestReplayJournal_Conflict(t *testing.T) {
	_, err := ReplayJournal([]Record{term(0, OutcomeSuccess), term(0, OutcomeFail)}, seqRange(0, 1))
	require.Error(t, err)
	assert.True(t, IsJournalConflict(err))

	_, err = ReplayJournal([]Record{term(0, OutcomeSuccess), commit(0, OutcomeSkip)}, seqRange(0, 1))
	assert.True(t, IsJournalConflict(err), "commit disagreeing with terminal")
}

func TestReplayJournal_Corrupt(t *testing.T) {
	tests := []struct {
		name    string
		records []Record
	}{
		{"unexpected seq", []Record{term(9, OutcomeSuccess)}},
		{"bad outcome", []Record{{Kind: KindTerminal, Seq: 0, Outcome: "maybe"}}},
		{"bad kind", []Record{{Kind: "rollback", Seq: 0, Outcome: OutcomeSkip}}},
		{"commit before terminal", []Record{commit(0, OutcomeSkip)}},
		{"commit out of order", []Record{term(1, OutcomeSkip), commit(1, OutcomeSkip)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReplayJournal(tt.records, seqRange(0, 3))
			require.Error(t, err)
			assert.True(t, hasCode(err, ErrCodeJournalCorrupt), err.Error())
		})
	}
}

func TestReplayJournal_MatchesLiveAppender(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	expected := seqRange(10, 50)
	a := newAppender(t, expected, (&recorder{}).apply, Config{})

	// Withhold seq 30 so the journal ends with pending terminals.
	for _, i := range rng.Perm(len(expected)) {
		seq := expected[i]
		if seq == 30 {
			continue
		}
		if seq%3 == 0 {
			_, err := a.Skip(ctx, seq, "")
			require.NoError(t, err)
			continue
		}
		_, err := a.Enqueue(ctx, seq, "p", 1)
		require.NoError(t, err)
	}

	state, err := ReplayJournal(a.Journal(), expected)
	require.NoError(t, err)
	assert.Equal(t, a.PeekNextSeq(), state.NextCommitSeq)
	assert.Equal(t, int64(30), state.NextCommitSeq)
	assert.Len(t, state.Committed, 20)
	assert.Len(t, state.Pending(), 29)
}
