package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/relaysync/internal/setup"
)

// RaceSummary describes a valid race file.
type RaceSummary struct {
	Valid    bool    `json:"valid"`
	Name     string  `json:"name,omitempty"`
	Start    int64   `json:"start"`
	Runners  int     `json:"runners"`
	Legs     int     `json:"legs"`
	Distance float64 `json:"distance"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <race.cue>",
		Short: "Check a race definition file",
		Long: `Check a CUE race definition against the race schema.

Reports syntax errors and schema violations with their position in the
file, then checks the roster and the leg assignments.

Exit codes:
  0 - race file is valid
  1 - race file is invalid
  2 - race file could not be read`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	formatter.VerboseLog("Loading race file %s", path)
	r, err := loadRaceFile(formatter, path)
	if err != nil {
		return err
	}

	summary := RaceSummary{
		Valid:    true,
		Name:     r.Name,
		Start:    int64(r.Start),
		Runners:  len(r.Runners),
		Legs:     len(r.Legs),
		Distance: r.TotalDistance(),
	}
	return formatter.Success(summary, fmt.Sprintf("✓ %s: %d runners, %d legs, %.1f miles",
		raceName(r), summary.Runners, summary.Legs, summary.Distance))
}

// loadRaceFile loads path and reports a failure through formatter. An
// unreadable file is a command error; anything else is a validation
// failure.
func loadRaceFile(formatter *OutputFormatter, path string) (*setup.Race, error) {
	r, err := setup.LoadFile(path)
	if err == nil {
		return r, nil
	}
	var le *setup.LoadError
	if !errors.As(err, &le) {
		return nil, formatter.Fail(ExitCommandError, ErrCodeGeneric, "cannot load race file", err)
	}
	exit := ExitFailure
	if le.Code == setup.ErrCodeRead {
		exit = ExitCommandError
	}
	if formatter.IsJSON() {
		_ = formatter.Error(le.Code, le.Message, map[string]any{"line": line(le), "file": path})
	} else {
		fmt.Fprintln(formatter.Writer, "✗ Race file invalid")
		fmt.Fprintln(formatter.Writer)
		if n := line(le); n > 0 {
			fmt.Fprintf(formatter.Writer, "line %d\n", n)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n", le.Code, le.Message)
	}
	return nil, WrapExitError(exit, "invalid race file", err)
}

func line(le *setup.LoadError) int {
	if le.Pos.IsValid() {
		return le.Pos.Line()
	}
	return 0
}

func raceName(r *setup.Race) string {
	if r.Name == "" {
		return "race"
	}
	return r.Name
}
