package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/relaysync/internal/api"
	"github.com/roach88/relaysync/internal/config"
	"github.com/roach88/relaysync/internal/events"
	"github.com/roach88/relaysync/internal/logging"
	"github.com/roach88/relaysync/internal/notify"
	"github.com/roach88/relaysync/internal/queue"
	"github.com/roach88/relaysync/internal/race"
	"github.com/roach88/relaysync/internal/realtime"
	"github.com/roach88/relaysync/internal/remote"
	"github.com/roach88/relaysync/internal/remote/memstore"
	"github.com/roach88/relaysync/internal/remote/pgstore"
	"github.com/roach88/relaysync/internal/remote/wsfeed"
	"github.com/roach88/relaysync/internal/setup"
	"github.com/roach88/relaysync/internal/state"
	"github.com/roach88/relaysync/internal/store"
	"github.com/roach88/relaysync/internal/syncer"
)

// shutdownTimeout bounds the API drain and the final snapshot write.
const shutdownTimeout = 5 * time.Second

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Join     string // join code of an existing team
	RaceFile string // race definition used to create a team
	TeamName string // team name for a new team (defaults to the race name)
	Addr     string // API listen address (overrides http_addr)
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run this device's sync session",
		Long: `Run a device: restore the race from the local database, keep the
offline queue flowing to the team's remote store, follow other devices'
changes in realtime and serve the local API.

On first run the device either creates a team from a race file (and
becomes its captain) or joins an existing team with a join code. Later
runs reuse the identity stored in the local database.

Examples:
  relaysync run --race race.cue --team-name "Road Warriors"
  relaysync run --join K4T9QZ
  relaysync run -c device.yaml --addr 127.0.0.1:9000`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevice(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Join, "join", "", "join an existing team with its join code")
	cmd.Flags().StringVar(&opts.RaceFile, "race", "", "create a team from this race file")
	cmd.Flags().StringVar(&opts.TeamName, "team-name", "", "name of the team to create")
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "API listen address")
	cmd.MarkFlagsMutuallyExclusive("join", "race")

	return cmd
}

func runDevice(opts *RunOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, "invalid configuration", err)
	}
	if opts.Verbose {
		cfg.Debug = true
	}
	if opts.Addr != "" {
		cfg.HTTPAddr = opts.Addr
	}

	var r *setup.Race
	if opts.RaceFile != "" {
		if r, err = loadRaceFile(formatter, opts.RaceFile); err != nil {
			return err
		}
	}

	logger, err := logging.New(cfg.Debug, cfg.LogFormat)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, "cannot create logger", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeDatabase, "cannot open local database", err)
	}
	defer db.Close()

	if cfg.DeviceID, err = deviceID(ctx, cfg, db); err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeDatabase, "cannot read device identity", err)
	}
	conn, err := openRemote(ctx, cfg, logger)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeRemote, "cannot connect to remote store", err)
	}
	defer conn.close()

	id, err := resolveIdentity(ctx, cfg, db, conn.teams, opts, r)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeIdentity, "cannot resolve device identity", err)
	}
	logger = logger.With(zap.String("team", id.TeamID), zap.String("device", id.DeviceID))

	sess, err := newSession(ctx, cfg, db, conn.store, id, logger)
	if err != nil {
		return formatter.Fail(ExitFailure, ErrCodeSession, "cannot start sync session", err)
	}
	if err := sess.load(ctx, id, r); err != nil {
		return formatter.Fail(ExitFailure, ErrCodeSession, "cannot load race", err)
	}

	if !formatter.IsJSON() {
		fmt.Fprintf(formatter.Writer, "✓ %s %s on team %s (join code %s), api on %s\n",
			roleName(id.Role), id.DeviceID, id.TeamName, id.JoinCode, cfg.HTTPAddr)
	}
	if err := sess.run(ctx, cfg.HTTPAddr); err != nil {
		return formatter.Fail(ExitFailure, ErrCodeSession, "sync session failed", err)
	}
	return formatter.Success(sess.manager.Status(), "✓ session stopped, state saved")
}

// remoteConn is the configured remote store plus the team operations of
// the store underneath any feed wrapper.
type remoteConn struct {
	store remote.Store
	teams remote.Teams
	close func()
}

// openRemote connects to the configured remote store.
func openRemote(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*remoteConn, error) {
	conn := &remoteConn{close: func() {}}
	switch cfg.Remote {
	case config.RemotePostgres:
		pg, err := pgstore.Open(ctx, cfg.DatabaseURL,
			pgstore.WithLogger(logger),
			pgstore.WithDeviceID(cfg.DeviceID),
			pgstore.WithDebug(cfg.Debug))
		if err != nil {
			return nil, err
		}
		if err := pg.CreateSchema(ctx); err != nil {
			_ = pg.Close()
			return nil, err
		}
		conn.store, conn.teams = pg, pg
		conn.close = func() { _ = pg.Close() }
	default:
		link := memstore.NewServer(memstore.WithLogger(logger)).Link(cfg.DeviceID)
		conn.store, conn.teams = link, link
	}
	if cfg.FeedURL != "" {
		conn.store = wsfeed.WithFeed(conn.store, wsfeed.NewSubscriber(cfg.FeedURL, logger))
	}
	return conn, nil
}

// deviceID returns the configured device id, the stored one, or a new one.
func deviceID(ctx context.Context, cfg *config.Config, db *store.Store) (string, error) {
	if cfg.DeviceID != "" {
		return cfg.DeviceID, nil
	}
	stored, err := db.LoadIdentity(ctx)
	switch {
	case errors.Is(err, store.ErrNoIdentity):
		return uuid.NewString(), nil
	case err != nil:
		return "", err
	case stored.DeviceID == "":
		return uuid.NewString(), nil
	}
	return stored.DeviceID, nil
}

// resolveIdentity returns the device's team membership from the config, the
// local database, or a create or join against the remote. New identities
// are saved to db and replace any cached race of a previous team.
func resolveIdentity(ctx context.Context, cfg *config.Config, db *store.Store, teams remote.Teams, opts *RunOptions, r *setup.Race) (store.Identity, error) {
	stored, err := db.LoadIdentity(ctx)
	if err != nil && !errors.Is(err, store.ErrNoIdentity) {
		return store.Identity{}, err
	}
	if cfg.TeamID != "" {
		id := stored
		id.TeamID, id.DeviceID, id.Role = cfg.TeamID, cfg.DeviceID, cfg.Role
		if r != nil {
			id.StartTime = r.Start
		}
		sid := syncer.Identity{TeamID: id.TeamID, DeviceID: id.DeviceID, Role: id.Role}
		return id, sid.Validate()
	}
	if stored.TeamID != "" && opts.Join == "" && opts.RaceFile == "" {
		stored.DeviceID = cfg.DeviceID
		return stored, nil
	}

	var sess remote.Session
	switch {
	case opts.Join != "":
		sess, err = teams.JoinTeam(ctx, opts.Join, cfg.DeviceID)
	case r != nil:
		name := opts.TeamName
		if name == "" {
			name = raceName(r)
		}
		sess, err = teams.CreateTeam(ctx, name, r.Start, cfg.DeviceID)
	default:
		return store.Identity{}, errors.New("no team: pass --race to create one or --join to join one")
	}
	if err != nil {
		return store.Identity{}, err
	}

	id := store.Identity{
		TeamID:    sess.TeamID,
		DeviceID:  sess.DeviceID,
		Role:      sess.Role,
		TeamName:  sess.Team.Name,
		StartTime: sess.Team.StartTime,
		JoinCode:  sess.Team.JoinCode,
	}
	if err := db.SaveIdentity(ctx, id); err != nil {
		return store.Identity{}, err
	}
	// A new team starts from an empty cache.
	if err := db.ClearSnapshot(ctx); err != nil {
		return store.Identity{}, err
	}
	if err := db.SaveQueue(ctx, nil); err != nil {
		return store.Identity{}, err
	}
	return id, nil
}

func roleName(role string) string {
	if role == "" {
		return remote.RoleMember
	}
	return role
}

// session is one running device: local state, queue, sync manager and the
// workers around them.
type session struct {
	db        *store.Store
	remote    remote.Store
	bus       *events.Bus
	state     *state.Store
	queue     *queue.Queue
	manager   *syncer.Manager
	notifier  *notify.Notifier
	realtime  *realtime.Adapter
	api       *api.Server
	logger    *zap.Logger
	restored  bool
	saveEvery time.Duration // snapshot cache interval while running
}

func newSession(ctx context.Context, cfg *config.Config, db *store.Store, rs remote.Store, id store.Identity, logger *zap.Logger) (*session, error) {
	bus := events.NewBus(0)
	st := state.New(
		state.WithBus(bus),
		state.WithLogger(logger),
		state.WithLongLegPolicy(cfg.LongLegPolicy()))

	q := queue.New(id.DeviceID,
		queue.WithPersister(db),
		queue.WithBackoff(cfg.BackoffPolicy()),
		queue.WithMaxRetries(cfg.MaxRetries),
		queue.WithBus(bus),
		queue.WithLogger(logger))
	if _, err := q.Load(ctx); err != nil {
		return nil, err
	}

	m, err := syncer.New(syncer.Identity{TeamID: id.TeamID, DeviceID: id.DeviceID, Role: id.Role}, st, rs, q,
		syncer.WithBus(bus),
		syncer.WithLogger(logger),
		syncer.WithRemoteTimeout(cfg.RemoteTimeout),
		syncer.WithIntervals(cfg.ReconcileInterval, cfg.RepairInterval))
	if err != nil {
		return nil, err
	}

	// Restored after the manager is wired so repair fixes are queued.
	snap, restored, err := db.LoadSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if restored {
		if _, err := st.Replace(snap); err != nil {
			return nil, err
		}
	}

	history := notify.NewHistory(notify.WithPersister(db), notify.WithHistoryLogger(logger))
	if err := history.Load(ctx); err != nil {
		return nil, err
	}
	notifier := notify.NewNotifier(bus, history, notify.LogSink{Logger: logger},
		notify.WithDeviceID(id.DeviceID),
		notify.WithRunnerNames(runnerNames(st)),
		notify.WithLogger(logger))

	rt := realtime.New(rs, id.TeamID, m.HandleChange,
		realtime.WithPolicy(cfg.RealtimePolicy()),
		realtime.WithLogger(logger),
		realtime.OnDisconnect(func(race.Table, remote.Status) { m.SetOnline(false) }),
		realtime.OnReconnect(func(race.Table) {
			m.SetOnline(true)
			m.RequestReconcile()
		}))

	return &session{
		db:        db,
		remote:    rs,
		bus:       bus,
		state:     st,
		queue:     q,
		manager:   m,
		notifier:  notifier,
		realtime:  rt,
		api:       api.New(st, m, m.Conflicts(), api.WithLogger(logger)),
		logger:    logger,
		restored:  restored,
		saveEvery: cfg.RepairInterval,
	}, nil
}

// load fills the local state on first run: a captain creating the team
// uploads the race file, everyone else downloads the team's race. A
// restored device only reconciles.
func (s *session) load(ctx context.Context, id store.Identity, r *setup.Race) error {
	if s.restored {
		s.logger.Info("race restored from local database", zap.Int("pending", s.queue.Len()))
		s.manager.RequestReconcile()
		return nil
	}
	if r != nil && id.Role == remote.RoleCaptain {
		if err := s.state.SetStartTime(r.Start); err != nil {
			return err
		}
		return s.manager.Bootstrap(ctx, r.Runners, r.Legs)
	}
	if _, err := s.manager.LoadFromRemote(ctx, id.StartTime); err != nil {
		return err
	}
	return nil
}

// run drives every worker until ctx is done, then saves the snapshot.
func (s *session) run(ctx context.Context, addr string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.manager.Run(ctx) })
	g.Go(func() error { return s.realtime.Run(ctx) })
	g.Go(func() error { return s.notifier.Run(ctx) })
	g.Go(func() error { return s.api.Start(addr) })
	g.Go(func() error { return s.saveSnapshots(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.api.Shutdown(shutdownCtx)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	saveCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := s.saveSnapshot(saveCtx); serr != nil {
		s.logger.Error("save snapshot failed", zap.Error(serr))
		err = errors.Join(err, serr)
	}
	return err
}

// saveSnapshots caches the race state every saveEvery until ctx is done, so
// a device that crashes restarts from recent state.
func (s *session) saveSnapshots(ctx context.Context) error {
	if s.saveEvery <= 0 {
		return nil
	}
	ticker := time.NewTicker(s.saveEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.saveSnapshot(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("save snapshot failed", zap.Error(err))
			}
		}
	}
}

func (s *session) saveSnapshot(ctx context.Context) error {
	return s.db.SaveSnapshot(ctx, s.state.Get(), race.NowMillis(race.SystemClock{}))
}

func runnerNames(st *state.Store) notify.RunnerName {
	return func(legID int) string {
		snap := st.Get()
		l, ok := snap.Leg(legID)
		if !ok {
			return ""
		}
		r, _ := snap.Runner(l.RunnerID)
		return r.Name
	}
}
