package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/roach88/relaysync/internal/events"
	"github.com/roach88/relaysync/internal/race"
)

// Notification is a handoff message ready for delivery.
type Notification struct {
	Kind       Kind
	LegID      int
	RunnerName string
	At         *race.Timestamp
}

// Message renders the notification text.
func (n Notification) Message() string {
	who := n.RunnerName
	if who == "" {
		who = "unknown runner"
	}
	switch n.Kind {
	case KindLegStarted:
		return fmt.Sprintf("Leg %d started: %s is running", n.LegID, who)
	case KindLegFinished:
		return fmt.Sprintf("Leg %d finished: %s is done", n.LegID, who)
	}
	return fmt.Sprintf("Leg %d: %s", n.LegID, who)
}

// Sink delivers notifications to the user (push service, terminal, ...).
type Sink interface {
	Deliver(ctx context.Context, n Notification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n Notification) error

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// LogSink writes notifications to a logger.
type LogSink struct {
	Logger *zap.Logger
}

// Deliver logs n at info level.
func (s LogSink) Deliver(_ context.Context, n Notification) error {
	l := s.Logger
	if l == nil {
		return nil
	}
	l.Info(n.Message(), zap.String("kind", string(n.Kind)), zap.Int("leg_id", n.LegID))
	return nil
}

// RunnerName resolves the name of the runner assigned to a leg.
type RunnerName func(legID int) string

// Notifier converts leg start/finish bus events into notifications,
// delivering each (kind, leg) at most once per retained history.
type Notifier struct {
	bus      *events.Bus
	history  *History
	sink     Sink
	names    RunnerName
	deviceID string
	clock    race.Clock
	logger   *zap.Logger
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithDeviceID stamps history entries with the local device id.
func WithDeviceID(id string) NotifierOption {
	return func(n *Notifier) { n.deviceID = id }
}

// WithRunnerNames sets the runner name lookup.
func WithRunnerNames(f RunnerName) NotifierOption {
	return func(n *Notifier) { n.names = f }
}

// WithClock sets the clock used to stamp history entries.
func WithClock(c race.Clock) NotifierOption {
	return func(n *Notifier) { n.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) NotifierOption {
	return func(n *Notifier) {
		if l != nil {
			n.logger = l
		}
	}
}

// NewNotifier creates a notifier reading from bus.
func NewNotifier(bus *events.Bus, history *History, sink Sink, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		bus:     bus,
		history: history,
		sink:    sink,
		clock:   race.SystemClock{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.Named("notify")
	return n
}

// Handle processes one bus event. delivered is false for events that are
// not handoffs or were already notified.
func (n *Notifier) Handle(ctx context.Context, e events.Event) (delivered bool, err error) {
	var kind Kind
	switch e.Type {
	case events.LegStarted:
		kind = KindLegStarted
	case events.LegFinished:
		kind = KindLegFinished
	default:
		return false, nil
	}

	note := Notification{Kind: kind, LegID: e.LegID, At: e.Value}
	if n.names != nil {
		note.RunnerName = n.names(e.LegID)
	}

	added, err := n.history.Record(ctx, Entry{
		Type:       kind,
		LegID:      e.LegID,
		RunnerName: note.RunnerName,
		Timestamp:  race.NowMillis(n.clock),
		DeviceID:   n.deviceID,
	})
	if err != nil {
		n.logger.Warn("notification history write failed", zap.Error(err))
	}
	if !added {
		return false, nil
	}

	if n.sink == nil {
		return true, nil
	}
	if err := n.sink.Deliver(ctx, note); err != nil {
		return false, fmt.Errorf("deliver notification: %w", err)
	}
	return true, nil
}

// Run consumes bus events until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	sub := n.bus.Subscribe(events.LegStarted, events.LegFinished)
	defer n.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-sub.C():
			if !ok {
				return nil
			}
			if _, err := n.Handle(ctx, e); err != nil {
				n.logger.Warn("notification failed", zap.Int("leg_id", e.LegID), zap.Error(err))
			}
		}
	}
}
