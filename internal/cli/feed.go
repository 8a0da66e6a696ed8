package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/relaysync/internal/config"
	"github.com/roach88/relaysync/internal/logging"
	"github.com/roach88/relaysync/internal/remote/wsfeed"
)

// FeedOptions holds flags for the feed command.
type FeedOptions struct {
	*RootOptions
	Addr string
}

// NewFeedCommand creates the feed command.
func NewFeedCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FeedOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Serve the remote store's change feed over websocket",
		Long: `Relay change notifications of the configured remote store to devices
over websocket. Devices point feed_url at ws://<addr>/feed and keep
reading and writing through the remote store itself.

With the in-memory remote the feed only carries changes made in this
process, which is enough to test subscriber reconnects locally.

Examples:
  RELAYSYNC_REMOTE=postgres RELAYSYNC_DATABASE_URL=postgres://... relaysync feed
  relaysync feed --addr 0.0.0.0:8788`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFeed(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "127.0.0.1:8788", "feed listen address")

	return cmd
}

func runFeed(opts *FeedOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, "invalid configuration", err)
	}
	if opts.Verbose {
		cfg.Debug = true
	}
	// The hub reads from the remote directly, never from another feed.
	cfg.FeedURL = ""
	if cfg.DeviceID == "" {
		cfg.DeviceID = "feed"
	}

	logger, err := logging.New(cfg.Debug, cfg.LogFormat)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, "cannot create logger", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := openRemote(ctx, cfg, logger)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeRemote, "cannot connect to remote store", err)
	}
	defer conn.close()

	hub := wsfeed.NewHub(conn.store, logger)
	e := newFeedServer(hub)

	formatter.VerboseLog("Serving %s change feed on ws://%s/feed", cfg.Remote, opts.Addr)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("feed listening", zap.String("addr", opts.Addr), zap.String("remote", cfg.Remote))
		if err := e.Start(opts.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		return formatter.Fail(ExitFailure, ErrCodeRemote, "feed server failed", err)
	}
	return formatter.Success(map[string]string{"addr": opts.Addr}, "✓ feed stopped")
}

// newFeedServer mounts the hub at /feed next to a health check.
func newFeedServer(hub *wsfeed.Hub) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]int{"clients": hub.Count()})
	})
	e.GET("/feed", echo.WrapHandler(hub.Handler()))
	return e
}
