package window

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigest(t *testing.T) {
	cfg := Config{TargetWindowCost: 2, MaxWindowCost: 4}
	ws, err := BuildWindows(entries(0, 1, 2, 3, 4), cfg, Telemetry{})
	require.NoError(t, err)

	d, err := Digest(ws)
	require.NoError(t, err)
	assert.Len(t, d, 64)
	require.NotEmpty(t, ws[0].Entries, "caller's windows keep their entries")

	stripped := make([]Window, len(ws))
	copy(stripped, ws)
	for i := range stripped {
		stripped[i].Entries = nil
	}
	again, err := Digest(stripped)
	require.NoError(t, err)
	assert.Equal(t, d, again, "entries do not affect the digest")

	other, err := BuildWindows(entries(0, 1, 2, 3, 4), Config{TargetWindowCost: 1}, Telemetry{})
	require.NoError(t, err)
	od, err := Digest(other)
	require.NoError(t, err)
	assert.NotEqual(t, d, od)
}

func TestDigest_Empty(t *testing.T) {
	d, err := Digest(nil)
	require.NoError(t, err)
	e, err := Digest([]Window{})
	require.NoError(t, err)
	assert.Equal(t, d, e)
}
