package events_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmerrifield20/deesec/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
	fail   bool
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(_ context.Context, e events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	if s.fail {
		return errors.New("sink down")
	}
	return nil
}

func (s *recordingSink) snapshot() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Event(nil), s.events...)
}

func receive(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "subscriber channel closed unexpectedly")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return events.Event{}
}

func TestBus_subscriberReceivesInOrder(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	defer bus.Close()

	ch, cancel := bus.Subscribe(context.Background())
	defer cancel()

	for i := uint64(0); i < 50; i++ {
		bus.Publish(context.Background(), events.NewPermissionGranted(i, "0xAAA", "0xBBB"))
	}
	for i := uint64(0); i < 50; i++ {
		e := receive(t, ch)
		assert.Equal(t, i, e.RecordID)
		assert.Equal(t, events.TypePermissionGranted, e.Type)
	}
}

func TestBus_publishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	defer bus.Close()

	_, cancel := bus.Subscribe(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := uint64(0); i < 1000; i++ {
			bus.Publish(context.Background(), events.NewRecordCreated(i, "0xAAA", "Qm"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a subscriber that never reads")
	}
}

func TestBus_cancelClosesChannel(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	defer bus.Close()

	ch, cancel := bus.Subscribe(context.Background())
	require.Equal(t, 1, bus.Subscribers())
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
	assert.Equal(t, 0, bus.Subscribers())
}

func TestBus_contextCancelUnsubscribes(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := bus.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after context cancel")
	}
	require.Eventually(t, func() bool { return bus.Subscribers() == 0 }, time.Second, 10*time.Millisecond)
}

func TestBus_sinksReceiveEveryEvent(t *testing.T) {
	sink := &recordingSink{}
	bus := events.NewBus(zap.NewNop(), sink)

	var mu sync.Mutex
	outcomes := map[bool]int{}
	bus.SetDeliveryRecorder(func(name string, ok bool) {
		mu.Lock()
		outcomes[ok]++
		mu.Unlock()
	})

	bus.Publish(context.Background(), events.NewRecordCreated(0, "0xAAA", "Qm123abc"))
	bus.Publish(context.Background(), events.NewPermissionGranted(0, "0xAAA", "0xBBB"))
	bus.Close() // flushes pending deliveries

	got := sink.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, events.TypeRecordCreated, got[0].Type)
	assert.Equal(t, events.TypePermissionGranted, got[1].Type)
	assert.Equal(t, 2, outcomes[true])
}

func TestBus_sinkFailureIsNonFatal(t *testing.T) {
	sink := &recordingSink{fail: true}
	bus := events.NewBus(zap.NewNop(), sink)

	ch, cancel := bus.Subscribe(context.Background())
	defer cancel()

	bus.Publish(context.Background(), events.NewRecordCreated(0, "0xAAA", "Qm"))
	e := receive(t, ch)
	assert.Equal(t, uint64(0), e.RecordID)

	bus.Close()
	assert.Len(t, sink.snapshot(), 1)
}

// gateSink blocks every delivery until release is closed.
type gateSink struct {
	release chan struct{}
	entered chan struct{}
}

func (s *gateSink) Name() string { return "gate" }

func (s *gateSink) Deliver(ctx context.Context, _ events.Event) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestBus_slowSinkDoesNotDelayOthers(t *testing.T) {
	slow := &gateSink{release: make(chan struct{}), entered: make(chan struct{}, 1)}
	fast := &recordingSink{}
	bus := events.NewBus(zap.NewNop(), slow, fast)

	bus.Publish(context.Background(), events.NewRecordCreated(0, "0xAAA", "Qm"))
	bus.Publish(context.Background(), events.NewPermissionGranted(0, "0xAAA", "0xBBB"))

	select {
	case <-slow.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("slow sink never received an event")
	}
	require.Eventually(t, func() bool { return len(fast.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)

	close(slow.release)
	bus.Close()
	got := fast.snapshot()
	assert.Equal(t, events.TypeRecordCreated, got[0].Type)
	assert.Equal(t, events.TypePermissionGranted, got[1].Type)
}

func TestBus_publishAfterCloseIsIgnored(t *testing.T) {
	sink := &recordingSink{}
	bus := events.NewBus(zap.NewNop(), sink)
	bus.Close()

	bus.Publish(context.Background(), events.NewRecordCreated(0, "0xAAA", "Qm"))
	assert.Empty(t, sink.snapshot())

	ch, _ := bus.Subscribe(context.Background())
	_, ok := <-ch
	assert.False(t, ok)
}
