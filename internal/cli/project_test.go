package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runProjectCmd(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewProjectCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestProjectJSON(t *testing.T) {
	out, err := runProjectCmd(t, "json", cascadeRace)
	require.NoError(t, err)

	var resp struct {
		Status string          `json:"status"`
		Data   []LegProjection `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data, 6)

	first := resp.Data[0]
	assert.Equal(t, 1, first.Leg)
	assert.Equal(t, "Ana", first.Runner)
	assert.Equal(t, 1, first.Van)
	assert.Equal(t, 420, first.Pace)
	assert.Equal(t, int64(1_787_292_000_000), first.ProjectedStart)
	assert.Equal(t, int64(1_787_292_000_000+35*60*1000), first.ProjectedFinish)

	for i := 1; i < len(resp.Data); i++ {
		assert.Equal(t, resp.Data[i-1].ProjectedFinish, resp.Data[i].ProjectedStart, "leg %d", resp.Data[i].Leg)
	}
}

func TestProjectVanFilter(t *testing.T) {
	out, err := runProjectCmd(t, "json", cascadeRace, "--van", "2")
	require.NoError(t, err)

	var resp struct {
		Data []LegProjection `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, 3, resp.Data[0].Leg)
	assert.Equal(t, 6, resp.Data[1].Leg)
	for _, row := range resp.Data {
		assert.Equal(t, "Cleo", row.Runner)
	}
}

func TestProjectText(t *testing.T) {
	out, err := runProjectCmd(t, "text", cascadeRace)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	assert.Equal(t, "Cascade Relay", lines[0])
	assert.Contains(t, lines[2], "LEG")
	assert.Contains(t, lines[3], "Ana")
	assert.Contains(t, lines[3], "7:00")
	assert.Contains(t, lines[3], "06:00")
	assert.Contains(t, lines[3], "06:35")
	assert.True(t, strings.HasPrefix(lines[len(lines)-1], "projected finish 2026-08-21T"))
}

func TestProjectTimeZone(t *testing.T) {
	if _, err := time.LoadLocation("America/Los_Angeles"); err != nil {
		t.Skip("time zone database not available")
	}
	out, err := runProjectCmd(t, "text", cascadeRace, "--tz", "America/Los_Angeles")
	require.NoError(t, err)
	assert.Contains(t, out, "23:00")
}

func TestProjectBadFlags(t *testing.T) {
	_, err := runProjectCmd(t, "text", cascadeRace, "--van", "3")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = runProjectCmd(t, "text", cascadeRace, "--tz", "Nowhere/Land")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestFormatPace(t *testing.T) {
	assert.Equal(t, "7:00", formatPace(420))
	assert.Equal(t, "8:05", formatPace(485))
	assert.Equal(t, "0:59", formatPace(59))
}
