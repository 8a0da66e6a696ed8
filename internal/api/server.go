// Package api serves the local status and control API of a device.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/roach88/relaysync/internal/conflict"
	"github.com/roach88/relaysync/internal/race"
	"github.com/roach88/relaysync/internal/syncer"
)

// Race is the part of the race state store the API reads and edits.
type Race interface {
	Get() race.Snapshot
	UpdateLegActualTime(legID int, field race.TimeField, t *race.Timestamp) error
	RecordHandoff(legID int, at race.Timestamp) error
}

// Sync reports the sync status of the device.
type Sync interface {
	Status() syncer.Status
}

// Conflicts is the part of the conflict coordinator the API drives.
type Conflicts interface {
	Current(kind conflict.Kind) (conflict.Conflict, bool)
	Pending(kind conflict.Kind) []conflict.Conflict
	State(kind conflict.Kind) conflict.State
	Resolve(ctx context.Context, kind conflict.Kind, choice conflict.Choice) error
	Dismiss(kind conflict.Kind) error
}

// Option configures a Server.
type Option func(*Server)

// WithClock sets the clock used for times recorded without an explicit value.
func WithClock(c race.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// Server holds the API dependencies and routes.
type Server struct {
	race      Race
	sync      Sync
	conflicts Conflicts
	clock     race.Clock
	logger    *zap.Logger
	echo      *echo.Echo
}

// New builds the server and registers its routes.
func New(r Race, s Sync, c Conflicts, opts ...Option) *Server {
	srv := &Server{
		race:      r,
		sync:      s,
		conflicts: c,
		clock:     race.SystemClock{},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(srv)
	}
	srv.logger = srv.logger.Named("api")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.Int("status", v.Status),
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			switch {
			case v.Status >= 500:
				srv.logger.Error("http request", fields...)
			case v.Status >= 400:
				srv.logger.Warn("http request", fields...)
			default:
				srv.logger.Debug("http request", fields...)
			}
			return nil
		},
	}))
	e.Use(echomw.Recover())

	e.GET("/healthz", srv.Health)

	g := e.Group("/api")
	g.GET("/race", srv.GetRace)
	g.GET("/status", srv.GetStatus)
	g.POST("/legs/:id/start", srv.StartLeg)
	g.POST("/legs/:id/finish", srv.FinishLeg)
	g.POST("/legs/:id/handoff", srv.Handoff)
	g.GET("/conflicts", srv.GetConflicts)
	g.POST("/conflicts/:kind/resolve", srv.ResolveConflict)
	g.POST("/conflicts/:kind/dismiss", srv.DismissConflict)

	srv.echo = e
	return srv
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.Info("api listening", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
