package pgstore

import (
	"context"
	"errors"

	"github.com/uptrace/bun/driver/pgdriver"
	"go.uber.org/zap"

	"github.com/roach88/relaysync/internal/race"
	"github.com/roach88/relaysync/internal/remote"
)

// Subscribe implements remote.Store with LISTEN on the table's channel.
// The subscription ends with CHANNEL_ERROR when the listener connection
// fails; the caller is expected to resubscribe.
func (s *Store) Subscribe(ctx context.Context, table race.Table, teamID string, h remote.Handler) (remote.Subscription, error) {
	ln := pgdriver.NewListener(s.db)
	if err := ln.Listen(ctx, Channel(table)); err != nil {
		ln.Close()
		return nil, mapErr("subscribe "+string(table), err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	feed := remote.NewFeed(func() {
		cancel()
		ln.Close()
	})
	feed.Push(remote.StatusSubscribed)

	go s.listen(runCtx, ln, feed, teamID, h)
	return feed, nil
}

func (s *Store) listen(ctx context.Context, ln *pgdriver.Listener, feed *remote.Feed, teamID string, h remote.Handler) {
	logger := s.logger.With(zap.String("team_id", teamID))
	for {
		_, payload, err := ln.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || feed.Closed() {
				return
			}
			logger.Warn("listener failed", zap.Error(err))
			ln.Close()
			if errors.Is(err, context.DeadlineExceeded) {
				feed.End(remote.StatusTimedOut)
			} else {
				feed.End(remote.StatusChannelError)
			}
			return
		}

		c, err := remote.DecodeChange([]byte(payload))
		if err != nil {
			logger.Warn("dropping malformed change notification", zap.Error(err))
			continue
		}
		if c.Record.TeamID != teamID {
			continue
		}
		h(c)
	}
}
