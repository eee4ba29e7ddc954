package changefeed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guichet/internal/domain"
)

type fakeSource struct {
	mu     sync.Mutex
	events []domain.ChangeEvent
	fail   bool
}

func (f *fakeSource) push(status domain.Status) domain.ChangeEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev := domain.ChangeEvent{
		ID:      int64(len(f.events) + 1),
		Type:    domain.EventUpdate,
		Current: domain.ServiceRequest{ID: fmt.Sprintf("req-%d", len(f.events)+1), Status: status},
	}
	f.events = append(f.events, ev)
	return ev
}

func (f *fakeSource) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *fakeSource) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.ChangeEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("source unavailable")
	}
	var out []domain.ChangeEvent
	for _, ev := range f.events {
		if ev.ID > cursor {
			out = append(out, ev)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeSource) LatestEventID(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, errors.New("source unavailable")
	}
	if len(f.events) == 0 {
		return 0, nil
	}
	return f.events[len(f.events)-1].ID, nil
}

func newTestSubscriber(src *fakeSource) *Subscriber {
	return &Subscriber{
		Source:       src,
		PollInterval: 2 * time.Millisecond,
		MaxBackoff:   10 * time.Millisecond,
		Logger:       log.New(io.Discard, "", 0),
	}
}

func drain(ch <-chan domain.ChangeEvent, n int, t *testing.T) []domain.ChangeEvent {
	t.Helper()
	out := make([]domain.ChangeEvent, 0, n)
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestSubscribeValidation(t *testing.T) {
	src := &fakeSource{}
	_, err := newTestSubscriber(src).Subscribe(Options{})
	require.Error(t, err)

	_, err = (&Subscriber{}).Subscribe(Options{Handler: func(domain.ChangeEvent) {}})
	require.Error(t, err)
}

func TestDeliversOnlyEventsAfterSubscribe(t *testing.T) {
	src := &fakeSource{}
	src.push(domain.StatusPending)
	src.push(domain.StatusInProgress)

	received := make(chan domain.ChangeEvent, 16)
	sub, err := newTestSubscriber(src).Subscribe(Options{
		Handler: func(ev domain.ChangeEvent) { received <- ev },
	})
	require.NoError(t, err)
	defer sub.Close()

	// Give the poller a moment to position its cursor at the head.
	time.Sleep(20 * time.Millisecond)
	src.push(domain.StatusValidated)
	src.push(domain.StatusCompleted)

	got := drain(received, 2, t)
	assert.Equal(t, int64(3), got[0].ID)
	assert.Equal(t, int64(4), got[1].ID)
	select {
	case ev := <-received:
		t.Fatalf("unexpected extra event %d", ev.ID)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestGapTriggersResyncWithoutReplay(t *testing.T) {
	src := &fakeSource{}
	received := make(chan domain.ChangeEvent, 16)
	var resyncs sync.WaitGroup
	resyncs.Add(1)
	var resyncOnce sync.Once

	sub, err := newTestSubscriber(src).Subscribe(Options{
		Handler:  func(ev domain.ChangeEvent) { received <- ev },
		OnResync: func() { resyncOnce.Do(resyncs.Done) },
	})
	require.NoError(t, err)
	defer sub.Close()

	time.Sleep(20 * time.Millisecond)
	src.push(domain.StatusPending)
	drain(received, 1, t)

	src.setFail(true)
	time.Sleep(30 * time.Millisecond)
	// Committed during the outage: must not be replayed once reconnected.
	lost := src.push(domain.StatusInProgress)
	time.Sleep(30 * time.Millisecond)
	src.setFail(false)

	resyncs.Wait()
	src.push(domain.StatusValidated)

	got := drain(received, 1, t)
	assert.Equal(t, int64(3), got[0].ID, "only the post-recovery event is delivered")
	assert.NotEqual(t, lost.ID, got[0].ID)
}

func TestInitialCursorFailureRecoversViaResync(t *testing.T) {
	src := &fakeSource{fail: true}
	received := make(chan domain.ChangeEvent, 16)
	var resyncs sync.WaitGroup
	resyncs.Add(1)
	var resyncOnce sync.Once

	sub, err := newTestSubscriber(src).Subscribe(Options{
		Handler:  func(ev domain.ChangeEvent) { received <- ev },
		OnResync: func() { resyncOnce.Do(resyncs.Done) },
	})
	require.NoError(t, err)
	defer sub.Close()

	time.Sleep(20 * time.Millisecond)
	src.setFail(false)
	resyncs.Wait()

	src.push(domain.StatusPending)
	got := drain(received, 1, t)
	assert.Equal(t, int64(1), got[0].ID)
}

func TestCloseIsIdempotentAndStopsDelivery(t *testing.T) {
	src := &fakeSource{}
	received := make(chan domain.ChangeEvent, 16)
	sub, err := newTestSubscriber(src).Subscribe(Options{
		Handler: func(ev domain.ChangeEvent) { received <- ev },
	})
	require.NoError(t, err)

	sub.Close()
	sub.Close()

	src.push(domain.StatusPending)
	select {
	case ev := <-received:
		t.Fatalf("event %d delivered after close", ev.ID)
	case <-time.After(30 * time.Millisecond):
	}
}
