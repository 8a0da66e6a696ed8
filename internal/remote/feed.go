package remote

import "sync"

// Feed is a Subscription backed by a buffered status channel. Adapters
// push lifecycle transitions into it.
type Feed struct {
	mu      sync.Mutex
	ch      chan Status
	closed  bool
	onClose func()
}

// NewFeed creates a feed. onClose, if set, runs once on Close.
func NewFeed(onClose func()) *Feed {
	return &Feed{ch: make(chan Status, 8), onClose: onClose}
}

// Status implements Subscription.
func (f *Feed) Status() <-chan Status {
	return f.ch
}

// Push delivers s unless the feed is closed. A full buffer drops the
// oldest pending status so the latest transition always lands.
func (f *Feed) Push(s Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.pushLocked(s)
}

func (f *Feed) pushLocked(s Status) {
	for {
		select {
		case f.ch <- s:
			return
		default:
			select {
			case <-f.ch:
			default:
			}
		}
	}
}

// End pushes a terminal status and closes the channel without running
// onClose.
func (f *Feed) End(s Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.pushLocked(s)
	f.closed = true
	close(f.ch)
}

// Close implements Subscription.
func (f *Feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.ch)
	onClose := f.onClose
	f.mu.Unlock()

	if onClose != nil {
		onClose()
	}
	return nil
}

// Closed reports whether the feed has ended.
func (f *Feed) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
