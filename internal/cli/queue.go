package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/relaysync/internal/config"
	"github.com/roach88/relaysync/internal/queue"
	"github.com/roach88/relaysync/internal/store"
)

// QueueSummary is the JSON form of the offline queue.
type QueueSummary struct {
	Status  queue.Status   `json:"status"`
	Changes []queue.Change `json:"changes"`
}

// NewQueueCommand creates the queue command and its subcommands.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage this device's offline queue",
		Long: `Inspect and manage the changes this device has recorded but not yet
delivered to the team's remote store. Run these while the device session
is stopped; a running session owns the queue.`,
	}
	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueRetryCommand(rootOpts))
	cmd.AddCommand(newQueueDropCommand(rootOpts))
	cmd.AddCommand(newQueueClearCommand(rootOpts))
	return cmd
}

func newQueueListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List pending changes",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(opts, cmd, func(f *OutputFormatter, q *queue.Queue) error {
				pending := q.Pending()
				if f.IsJSON() {
					return f.Success(QueueSummary{Status: q.Status(), Changes: pending}, "")
				}
				return f.Success(nil, queueText(q.Status(), pending, q.MaxRetries()))
			})
		},
	}
}

func newQueueRetryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "retry <change-id>",
		Short:         "Reset the retry count of a change",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(opts, cmd, func(f *OutputFormatter, q *queue.Queue) error {
				if !q.Retry(args[0]) {
					return f.Fail(ExitFailure, ErrCodeGeneric, fmt.Sprintf("no queued change %s", args[0]), nil)
				}
				return f.Success(map[string]string{"retried": args[0]}, "✓ "+args[0]+" will be retried")
			})
		},
	}
}

func newQueueDropCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "drop <change-id>",
		Short:         "Discard one change",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(opts, cmd, func(f *OutputFormatter, q *queue.Queue) error {
				if !q.Remove(args[0]) {
					return f.Fail(ExitFailure, ErrCodeGeneric, fmt.Sprintf("no queued change %s", args[0]), nil)
				}
				return f.Success(map[string]string{"dropped": args[0]}, "✓ "+args[0]+" dropped")
			})
		},
	}
}

func newQueueClearCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "clear",
		Short:         "Discard every pending change",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(opts, cmd, func(f *OutputFormatter, q *queue.Queue) error {
				n := q.Len()
				if err := q.Clear(); err != nil {
					return f.Fail(ExitCommandError, ErrCodeDatabase, "cannot clear queue", err)
				}
				return f.Success(map[string]int{"cleared": n}, fmt.Sprintf("✓ cleared %d pending %s", n, changes(n)))
			})
		},
	}
}

// withQueue opens the local database named by the config, loads the queue
// and runs fn against it.
func withQueue(opts *RootOptions, cmd *cobra.Command, fn func(*OutputFormatter, *queue.Queue) error) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, "invalid configuration", err)
	}
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeDatabase, "cannot open local database", err)
	}
	defer db.Close()

	q := queue.New(cfg.DeviceID, queue.WithPersister(db), queue.WithMaxRetries(cfg.MaxRetries))
	dropped, err := q.Load(cmd.Context())
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeDatabase, "cannot load queue", err)
	}
	formatter.VerboseLog("Loaded %d queued changes from %s (%d malformed dropped)", q.Len(), cfg.DBPath, dropped)
	return fn(formatter, q)
}

func queueText(st queue.Status, pending []queue.Change, maxRetries int) string {
	var b strings.Builder
	b.WriteString(st.String())
	for _, c := range pending {
		mark := " "
		if c.RetryCount >= maxRetries {
			mark = "!"
		}
		fmt.Fprintf(&b, "\n%s %s %s/%s %v retries=%d", mark, c.ID, c.Table, c.RemoteID, c.Payload, c.RetryCount)
		if c.Priority {
			b.WriteString(" priority")
		}
	}
	return b.String()
}

func changes(n int) string {
	if n == 1 {
		return "change"
	}
	return "changes"
}
