package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/seqcommit/internal/canon"
)

// marshalSeqs converts an expected-seq set to canonical JSON TEXT.
func marshalSeqs(seqs []int64) (string, error) {
	if seqs == nil {
		seqs = []int64{}
	}
	data, err := canon.Marshal(seqs)
	if err != nil {
		return "", fmt.Errorf("marshal seqs: %w", err)
	}
	return string(data), nil
}

// unmarshalSeqs parses JSON TEXT to a seq slice. Returns an empty, non-nil
// slice for an empty array.
func unmarshalSeqs(data string) ([]int64, error) {
	seqs := []int64{}
	if data == "" {
		return seqs, nil
	}
	if err := json.Unmarshal([]byte(data), &seqs); err != nil {
		return nil, fmt.Errorf("unmarshal seqs: %w", err)
	}
	return seqs, nil
}
