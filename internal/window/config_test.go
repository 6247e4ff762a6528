package window

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig(1)
	assert.Equal(t, int64(500), c.TargetWindowCost)
	assert.Equal(t, int64(1000), c.MaxWindowCost)
	assert.Equal(t, int64(64<<20), c.MaxWindowBytes)
	assert.Equal(t, int64(256), c.MaxInFlightSeqSpan)
	assert.Equal(t, 1, c.MinWindowEntries)
	assert.Equal(t, 64, c.MaxWindowEntries)
	assert.Equal(t, 2, c.MaxActiveWindows)
	assert.Equal(t, int64(128), c.CommitLagSoft)
	assert.NoError(t, c.Validate())

	c = DefaultConfig(32)
	assert.Equal(t, int64(16000), c.TargetWindowCost)
	assert.Equal(t, int64(32000), c.MaxWindowCost)
	assert.Equal(t, int64(1024), c.MaxInFlightSeqSpan)
	assert.Equal(t, 16, c.MinWindowEntries)
	assert.Equal(t, 2048, c.MaxWindowEntries)
}

func TestWithDefaults_KeepsExplicitValues(t *testing.T) {
	c := Config{TargetWindowCost: 10, MinWindowEntries: 8, MaxWindowEntries: 4, MaxActiveWindows: 9}.WithDefaults(2)
	assert.Equal(t, int64(10), c.TargetWindowCost)
	assert.Equal(t, int64(1000), c.MaxWindowCost)
	assert.Equal(t, 8, c.MaxWindowEntries, "raised to min entries")
	assert.Equal(t, 2, c.MaxActiveWindows)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.Error(t, Config{TargetWindowCost: 10, MaxWindowCost: 5}.Validate())
	assert.Error(t, Config{MaxActiveWindows: 3}.Validate())
	assert.Error(t, Config{ShrinkFactor: 1.5}.Validate())
	assert.Error(t, Config{GrowFactor: 0.5}.Validate())
	assert.Error(t, Config{MaxWindowBytes: -1}.Validate())
}
