package changefeed

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"guichet/internal/domain"
)

// Source is where the subscriber pulls events from: the local repo when the
// caller shares the store, or the SDK client when it is remote.
type Source interface {
	EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.ChangeEvent, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// Handler receives events one at a time, in commit order.
type Handler func(domain.ChangeEvent)

const (
	defaultPollInterval = 2 * time.Second
	defaultMaxBackoff   = 30 * time.Second
	defaultBatchSize    = 100
)

// Subscriber maintains one logical subscription to all changes on the request
// collection. It is pure transport: no business validation happens here.
//
// Delivery is best effort. While the source stays reachable, events arrive in
// commit order; when it fails and recovers, events committed during the gap
// are NOT replayed — the cursor jumps to the head and the OnResync hook fires
// so the owner can re-fetch its state wholesale.
type Subscriber struct {
	Source       Source
	PollInterval time.Duration
	MaxBackoff   time.Duration
	BatchSize    int
	Logger       *log.Logger
}

// Options configures one subscription.
type Options struct {
	Handler Handler
	// OnResync is invoked after the source recovers from a failure, once the
	// cursor has been repositioned at the head. Also invoked once at startup
	// if the initial cursor could not be read on the first attempt.
	OnResync func()
}

// Subscription is a scoped resource: Close releases the poller
// deterministically and is safe to call more than once.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Close stops delivery and waits for the poll loop to exit.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

func (s *Subscriber) pollInterval() time.Duration {
	if s.PollInterval <= 0 {
		return defaultPollInterval
	}
	return s.PollInterval
}

func (s *Subscriber) maxBackoff() time.Duration {
	if s.MaxBackoff <= 0 {
		return defaultMaxBackoff
	}
	return s.MaxBackoff
}

func (s *Subscriber) batchSize() int {
	if s.BatchSize <= 0 {
		return defaultBatchSize
	}
	return s.BatchSize
}

func (s *Subscriber) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

// Subscribe starts delivering events committed after the call. The returned
// subscription must be closed by the owner.
func (s *Subscriber) Subscribe(opts Options) (*Subscription, error) {
	if s.Source == nil {
		return nil, errors.New("changefeed: source required")
	}
	if opts.Handler == nil {
		return nil, errors.New("changefeed: handler required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}
	go s.run(ctx, opts, sub)
	return sub, nil
}

func (s *Subscriber) run(ctx context.Context, opts Options, sub *Subscription) {
	defer close(sub.done)

	cursor, connected := s.initialCursor(ctx)
	backoff := s.pollInterval()

	for {
		if ctx.Err() != nil {
			return
		}
		events, err := s.Source.EventsAfter(ctx, cursor, s.batchSize())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if connected {
				s.logger().Printf("[changefeed] channel disconnected: %v", err)
				connected = false
				backoff = s.pollInterval()
			}
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, s.maxBackoff())
			continue
		}
		if !connected {
			// Recovered. Events committed during the gap are lost to this
			// subscription: reposition at the head and ask the owner to
			// re-fetch instead of replaying.
			connected = true
			backoff = s.pollInterval()
			if head, herr := s.Source.LatestEventID(ctx); herr == nil {
				cursor = head
			}
			s.logger().Printf("[changefeed] channel reconnected, resyncing")
			if opts.OnResync != nil {
				opts.OnResync()
			}
			continue
		}
		for _, ev := range events {
			opts.Handler(ev)
			cursor = ev.ID
		}
		if len(events) < s.batchSize() {
			if !sleep(ctx, s.pollInterval()) {
				return
			}
		}
	}
}

// initialCursor positions the subscription at the head so only events
// committed after Subscribe are delivered. Returns connected=false when the
// source is unreachable, so the main loop starts in recovery mode.
func (s *Subscriber) initialCursor(ctx context.Context) (int64, bool) {
	head, err := s.Source.LatestEventID(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger().Printf("[changefeed] initial cursor unavailable: %v", err)
		}
		return 0, false
	}
	return head, true
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
