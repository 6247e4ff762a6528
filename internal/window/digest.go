package window

import (
	"fmt"

	"github.com/roach88/seqcommit/internal/canon"
)

// Digest hashes the window bounds and predicted totals. Entry detail is
// excluded, so a plan digests the same with or without Entries populated.
func Digest(windows []Window) (string, error) {
	bounds := make([]Window, len(windows))
	for i, w := range windows {
		w.Entries = nil
		bounds[i] = w
	}
	d, err := canon.Digest(canon.DomainWindows, bounds)
	if err != nil {
		return "", fmt.Errorf("window digest: %w", err)
	}
	return d, nil
}
