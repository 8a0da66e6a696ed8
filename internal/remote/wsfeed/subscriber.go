package wsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/roach88/relaysync/internal/race"
	"github.com/roach88/relaysync/internal/remote"
)

// DefaultHandshakeTimeout bounds the wait for the hub's subscribe ack.
const DefaultHandshakeTimeout = 10 * time.Second

// Subscriber dials a Hub for each table subscription.
type Subscriber struct {
	url     string
	dialer  *websocket.Dialer
	timeout time.Duration
	logger  *zap.Logger
}

// NewSubscriber creates a client for the hub at url (ws:// or wss://).
func NewSubscriber(url string, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{
		url:     url,
		dialer:  websocket.DefaultDialer,
		timeout: DefaultHandshakeTimeout,
		logger:  logger.Named("wsfeed"),
	}
}

// Subscribe implements the subscription half of remote.Store.
func (s *Subscriber) Subscribe(ctx context.Context, table race.Table, teamID string, h remote.Handler) (remote.Subscription, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w: %v", table, remote.ErrUnavailable, err)
	}
	if err := conn.WriteJSON(Message{Type: TypeSubscribe, Table: table, TeamID: teamID}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe %s: %w: %v", table, remote.ErrUnavailable, err)
	}

	feed := remote.NewFeed(func() { _ = conn.Close() })
	acked := make(chan error, 1)
	var once sync.Once
	ack := func(err error) { once.Do(func() { acked <- err }) }

	go s.read(conn, feed, h, ack)

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case err := <-acked:
		if err != nil {
			feed.Close()
			return nil, err
		}
		return feed, nil
	case <-ctx.Done():
		feed.Close()
		return nil, ctx.Err()
	case <-timer.C:
		feed.Close()
		return nil, fmt.Errorf("subscribe %s: %w: no ack within %s", table, remote.ErrUnavailable, s.timeout)
	}
}

func (s *Subscriber) read(conn *websocket.Conn, feed *remote.Feed, h remote.Handler, ack func(error)) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			ack(fmt.Errorf("subscribe: %w: %v", remote.ErrUnavailable, err))
			if !feed.Closed() {
				s.logger.Debug("feed connection lost", zap.Error(err))
				feed.End(remote.StatusChannelError)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("dropping malformed message", zap.Error(err))
			continue
		}

		switch msg.Type {
		case TypeSubscribed:
			ack(nil)
		case TypeStatus:
			if msg.Status.Failed() {
				ack(fmt.Errorf("subscribe: %w: %s", remote.ErrUnavailable, msg.Status))
				feed.End(msg.Status)
				_ = conn.Close()
				return
			}
			feed.Push(msg.Status)
		case TypeChange:
			c, err := remote.DecodeChange(msg.Change)
			if err != nil {
				s.logger.Warn("dropping malformed change", zap.Error(err))
				continue
			}
			h(c)
		case TypeError:
			ack(fmt.Errorf("subscribe: %w: %s", remote.ErrUnavailable, msg.Error))
			feed.End(remote.StatusChannelError)
			_ = conn.Close()
			return
		}
	}
}

// Store is a remote.Store whose subscriptions come from a websocket hub
// while reads and writes go to the wrapped store.
type Store struct {
	remote.Store
	feed *Subscriber
}

// WithFeed wraps base so that Subscribe uses feed.
func WithFeed(base remote.Store, feed *Subscriber) *Store {
	return &Store{Store: base, feed: feed}
}

// Subscribe implements remote.Store.
func (s *Store) Subscribe(ctx context.Context, table race.Table, teamID string, h remote.Handler) (remote.Subscription, error) {
	return s.feed.Subscribe(ctx, table, teamID, h)
}
