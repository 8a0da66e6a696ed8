package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	cascadeRace = filepath.Join("..", "harness", "testdata", "races", "cascade.cue")
	badVanRace  = filepath.Join("..", "setup", "testdata", "bad_van.cue")
)

func writeRaceFile(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "race.cue")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func TestValidateValidRace(t *testing.T) {
	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{cascadeRace})

	err := cmd.Execute()
	require.NoError(t, err)
	assert.Equal(t, "✓ Cascade Relay: 3 runners, 6 legs, 31.6 miles\n", buf.String())
}

func TestValidateValidRaceJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "json"}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{cascadeRace})

	err := cmd.Execute()
	require.NoError(t, err)

	var resp struct {
		Status string      `json:"status"`
		Data   RaceSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Valid)
	assert.Equal(t, "Cascade Relay", resp.Data.Name)
	assert.Equal(t, int64(1_787_292_000_000), resp.Data.Start)
	assert.Equal(t, 3, resp.Data.Runners)
	assert.Equal(t, 6, resp.Data.Legs)
	assert.InDelta(t, 31.6, resp.Data.Distance, 1e-9)
}

func TestValidateSchemaViolation(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{badVanRace})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, buf.String(), "✗ Race file invalid")
	assert.Contains(t, buf.String(), "E203")
}

func TestValidateSyntaxErrorJSON(t *testing.T) {
	path := writeRaceFile(t, "race: {\n\tstart: \"2026-08-21T06:00:00Z\"\n\trunners: [\n")

	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{path})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E202", resp.Error.Code)
	details, ok := resp.Error.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, path, details["file"])
}

func TestValidateMissingFile(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{filepath.Join(t.TempDir(), "nope.cue")})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, buf.String(), "E201")
}

func TestValidateRequiresOneArg(t *testing.T) {
	cmd := NewValidateCommand(&RootOptions{Format: "text"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{})

	require.Error(t, cmd.Execute())
}
