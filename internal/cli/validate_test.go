package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type validateResponse struct {
	Status string           `json:"status"`
	Data   ValidationResult `json:"data"`
	Error  *CLIError        `json:"error"`
}

func validateJSON(t *testing.T, path string) (validateResponse, error) {
	t.Helper()
	out, _, err := execute(t, "--format", "json", "validate", path)
	var resp validateResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	return resp, err
}

func TestValidateCommand_EffectiveConfig(t *testing.T) {
	for _, path := range []string{"../config/testdata/full.yaml", "../config/testdata/full.cue"} {
		t.Run(path, func(t *testing.T) {
			resp, err := validateJSON(t, path)
			require.NoError(t, err)
			assert.Equal(t, "ok", resp.Status)
			assert.True(t, resp.Data.Valid)
			require.NotNil(t, resp.Data.Effective)

			eff := resp.Data.Effective
			assert.Equal(t, 8, eff.Stage.Concurrency)
			assert.Equal(t, int64(10000), eff.Stage.HeartbeatIntervalMS, "a third of the lease timeout")
			assert.Equal(t, int64(2000), eff.Window.TargetWindowCost)
			assert.Equal(t, int64(4000), eff.Window.MaxWindowCost)
			assert.Equal(t, int64(64<<20), eff.Window.MaxWindowBytes)
			assert.Equal(t, 8, eff.Window.MinWindowEntries)
			assert.Equal(t, 512, eff.Window.MaxWindowEntries)
			assert.Equal(t, 0.8, eff.Appender.ResumeHysteresisRatio)
		})
	}
}

func TestValidateCommand_Text(t *testing.T) {
	out, _, err := execute(t, "validate", "../config/testdata/full.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Config valid")
	assert.Contains(t, out, "Effective config:")
	assert.Contains(t, out, "heartbeat_interval_ms: 10000")
	assert.Contains(t, out, "max_active_windows: 2")
}

func TestValidateCommand_Invalid(t *testing.T) {
	for _, path := range []string{"../config/testdata/out_of_range.cue", "../config/testdata/unknown_field.yaml"} {
		t.Run(path, func(t *testing.T) {
			resp, err := validateJSON(t, path)
			require.Error(t, err)
			assert.Equal(t, ExitFailure, GetExitCode(err))
			assert.Equal(t, "error", resp.Status)
			require.NotNil(t, resp.Error)
			assert.Equal(t, ErrCodeConfig, resp.Error.Code)
			assert.False(t, resp.Data.Valid)
			assert.Len(t, resp.Data.Errors, 1)
			assert.Nil(t, resp.Data.Effective)
		})
	}
}

func TestValidateCommand_InvalidText(t *testing.T) {
	out, _, err := execute(t, "validate", "../config/testdata/unknown_field.yaml")
	require.Error(t, err)
	assert.Contains(t, out, "✗ Validation failed")
	assert.Contains(t, out, "max_pending_envelope")
}

func TestValidateCommand_CommandErrors(t *testing.T) {
	dir := t.TempDir()
	toml := writeFile(t, dir, "seqcommit.toml", "[stage]\n")

	tests := []struct {
		name string
		path string
		code string
	}{
		{"missing file", dir + "/nope.yaml", ErrCodeNotFound},
		{"unsupported extension", toml, ErrCodeConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := validateJSON(t, tt.path)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestValidateCommand_MissingArg(t *testing.T) {
	_, _, err := execute(t, "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg(s), received 0")
}
