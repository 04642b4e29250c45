// Package connectivity wraps the platform's network-state signal into a
// boolean online/offline flag with edge-triggered transition events.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one connectivity transition. Events are edge-triggered: a
// subscriber only sees flips, never steady-state repeats.
type Event struct {
	Online bool
	At     time.Time
}

// Observer maintains the current online flag. When a probe URL is
// configured it polls it on an interval; platforms that push network state
// instead call SetOnline directly.
type Observer struct {
	probeURL string
	interval time.Duration
	client   *http.Client

	online atomic.Bool
	known  atomic.Bool // false until the first probe or SetOnline

	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// New creates an observer. probeURL may be empty when state is pushed via
// SetOnline only.
func New(probeURL string, interval, timeout time.Duration) *Observer {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Observer{
		probeURL: probeURL,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
		subs:     make(map[int]chan Event),
	}
}

// Run starts the probe loop. Blocks until ctx is cancelled. No-op when no
// probe URL is configured.
func (o *Observer) Run(ctx context.Context) {
	if o.probeURL == "" {
		return
	}

	// Probe immediately on start, then on each tick.
	o.probe(ctx)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.probe(ctx)
		}
	}
}

func (o *Observer) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, o.probeURL, nil)
	if err != nil {
		o.SetOnline(false)
		return
	}
	resp, err := o.client.Do(req)
	if err != nil {
		o.SetOnline(false)
		return
	}
	resp.Body.Close()
	o.SetOnline(resp.StatusCode < 500)
}

// Online returns the current connectivity flag. Unknown state reads as
// offline: queueing a mutation we could have sent is safe, sending one we
// could not is not.
func (o *Observer) Online() bool {
	return o.known.Load() && o.online.Load()
}

// SetOnline updates the flag and emits an event on a transition. Safe to
// call from probe loops, platform callbacks, and tests alike.
func (o *Observer) SetOnline(online bool) {
	first := o.known.CompareAndSwap(false, true)
	prev := o.online.Swap(online)
	if !first && prev == online {
		return
	}

	if online {
		slog.Info("connectivity online", "component", "connectivity")
	} else {
		slog.Info("connectivity offline", "component", "connectivity")
	}

	ev := Event{Online: online, At: time.Now()}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ch := range o.subs {
		// Drop rather than block: a slow subscriber only misses
		// intermediate flips, and the flag itself stays current.
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers for transition events. The returned cancel func must
// be called on teardown to avoid leaking the subscription.
func (o *Observer) Subscribe() (<-chan Event, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.nextID
	o.nextID++
	ch := make(chan Event, 4)
	if o.closed {
		close(ch)
		return ch, func() {}
	}
	o.subs[id] = ch

	cancel := func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if sub, ok := o.subs[id]; ok {
			delete(o.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Close tears down all subscriptions.
func (o *Observer) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	for id, ch := range o.subs {
		delete(o.subs, id)
		close(ch)
	}
}
