package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/relaysync/internal/race"
	"github.com/roach88/relaysync/internal/state"
)

// ProjectOptions holds flags for the project command.
type ProjectOptions struct {
	*RootOptions
	Van      int    // only legs run from this van (0 = all)
	Location string // time zone for text output
}

// LegProjection is one row of the projected schedule.
type LegProjection struct {
	Leg             int     `json:"leg"`
	Runner          string  `json:"runner"`
	Van             int     `json:"van"`
	Distance        float64 `json:"distance"`
	Pace            int     `json:"pace"`
	ProjectedStart  int64   `json:"projected_start"`
	ProjectedFinish int64   `json:"projected_finish"`
}

// NewProjectCommand creates the project command.
func NewProjectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProjectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "project <race.cue>",
		Short: "Print the projected schedule of a race file",
		Long: `Project every leg's start and finish from the race start and the
runners' paces, the way devices do before any time is recorded.

Examples:
  relaysync project race.cue
  relaysync project race.cue --van 2 --tz America/Los_Angeles
  relaysync project race.cue --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProject(opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Van, "van", 0, "only show legs run from this van (1 or 2)")
	cmd.Flags().StringVar(&opts.Location, "tz", "UTC", "time zone for printed times")

	return cmd
}

func runProject(opts *ProjectOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	loc, err := time.LoadLocation(opts.Location)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, "unknown time zone", err)
	}
	if opts.Van < 0 || opts.Van > 2 {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, fmt.Sprintf("van must be 1 or 2, got %d", opts.Van), nil)
	}

	r, err := loadRaceFile(formatter, path)
	if err != nil {
		return err
	}
	st := state.New()
	if err := r.Apply(st); err != nil {
		return formatter.Fail(ExitFailure, ErrCodeGeneric, "cannot project race", err)
	}

	rows := projections(st.Get(), opts.Van)
	formatter.VerboseLog("Projected %d legs from %s", len(rows), r.Start.Time().In(loc).Format(time.RFC3339))
	if formatter.IsJSON() {
		return formatter.Success(rows, "")
	}
	return formatter.Success(rows, scheduleText(raceName(r), rows, loc))
}

func projections(snap race.Snapshot, van int) []LegProjection {
	rows := make([]LegProjection, 0, len(snap.Legs))
	for _, l := range snap.Legs {
		runner, _ := snap.Runner(l.RunnerID)
		if van != 0 && runner.Van != van {
			continue
		}
		pace := runner.Pace
		if l.PaceOverride != nil {
			pace = *l.PaceOverride
		}
		rows = append(rows, LegProjection{
			Leg:             l.ID,
			Runner:          runner.Name,
			Van:             runner.Van,
			Distance:        l.Distance,
			Pace:            pace,
			ProjectedStart:  int64(l.ProjectedStart),
			ProjectedFinish: int64(l.ProjectedFinish),
		})
	}
	return rows
}

func scheduleText(name string, rows []LegProjection, loc *time.Location) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", name)
	fmt.Fprintf(&b, "%-4s %-16s %-3s %6s %6s  %-5s  %-5s\n", "LEG", "RUNNER", "VAN", "MILES", "PACE", "START", "END")
	for _, r := range rows {
		fmt.Fprintf(&b, "%-4d %-16s %-3d %6.1f %6s  %-5s  %-5s\n",
			r.Leg, r.Runner, r.Van, r.Distance, formatPace(r.Pace),
			clock(r.ProjectedStart, loc), clock(r.ProjectedFinish, loc))
	}
	if len(rows) > 0 {
		last := rows[len(rows)-1]
		fmt.Fprintf(&b, "\nprojected finish %s", race.Timestamp(last.ProjectedFinish).Time().In(loc).Format(time.RFC3339))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatPace(secondsPerMile int) string {
	return fmt.Sprintf("%d:%02d", secondsPerMile/60, secondsPerMile%60)
}

func clock(ms int64, loc *time.Location) string {
	return race.Timestamp(ms).Time().In(loc).Format("15:04")
}
