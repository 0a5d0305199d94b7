package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultSinkTimeout = 30 * time.Second

// DeliveryRecorder is an optional callback for recording sink outcomes.
type DeliveryRecorder func(sink string, success bool)

// mailbox is an unbounded FIFO with a wake-up signal. Producers never block
// on it, so a slow subscriber cannot stall a committing writer.
type mailbox struct {
	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	closed bool
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) put(e Event) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, e)
	m.mu.Unlock()
	m.wake()
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wake()
}

func (m *mailbox) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// drain removes and returns everything queued so far, plus whether the
// mailbox has been closed.
func (m *mailbox) drain() ([]Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := m.queue
	m.queue = nil
	return batch, m.closed
}

type subscription struct {
	box  *mailbox
	done chan struct{}
	once sync.Once
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// sinkWorker feeds one sink from its own queue, so a sink that retries
// slowly never delays the others.
type sinkWorker struct {
	sink Sink
	box  *mailbox
}

// Bus is the in-process notification channel. It implements Publisher.
type Bus struct {
	mu      sync.Mutex
	subs    map[uint64]*subscription
	nextSub uint64
	closed  bool

	workers     []*sinkWorker
	sinkTimeout time.Duration
	onDelivery  DeliveryRecorder
	wg          sync.WaitGroup
	logger      *zap.Logger
}

// NewBus creates a Bus that forwards every event to each sink in publish
// order. Each sink is driven by its own goroutine.
func NewBus(logger *zap.Logger, sinks ...Sink) *Bus {
	b := &Bus{
		subs:        make(map[uint64]*subscription),
		sinkTimeout: defaultSinkTimeout,
		logger:      logger,
	}
	for _, sink := range sinks {
		w := &sinkWorker{sink: sink, box: newMailbox()}
		b.workers = append(b.workers, w)
		b.wg.Add(1)
		go b.runSink(w)
	}
	return b
}

// SetDeliveryRecorder configures the metrics callback for sink deliveries.
func (b *Bus) SetDeliveryRecorder(fn DeliveryRecorder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDelivery = fn
}

// Publish implements Publisher. Every live subscriber and every sink
// observe events in the same order.
func (b *Bus) Publish(_ context.Context, e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		s.box.put(e)
	}
	for _, w := range b.workers {
		w.box.put(e)
	}
}

// Subscribe registers a subscriber and returns its event channel together
// with a cancel function. The channel is closed after cancel is called, ctx
// is done, or the bus is closed. Events published before Subscribe returns
// are not replayed.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, func()) {
	out := make(chan Event)
	sub := &subscription{box: newMailbox(), done: make(chan struct{})}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(out)
		return out, func() {}
	}
	id := b.nextSub
	b.nextSub++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.stop()
	}

	go func() {
		defer close(out)
		for {
			select {
			case <-sub.box.notify:
			case <-sub.done:
				return
			case <-ctx.Done():
				cancel()
				return
			}
			batch, closed := sub.box.drain()
			for _, e := range batch {
				select {
				case out <- e:
				case <-sub.done:
					return
				case <-ctx.Done():
					cancel()
					return
				}
			}
			if closed {
				return
			}
		}
	}()

	return out, cancel
}

// Subscribers returns the number of live subscribers.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close stops accepting events, flushes pending sink deliveries, and closes
// every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.box.close()
	}
	for _, w := range b.workers {
		w.box.close()
	}
	b.wg.Wait()
}

func (b *Bus) runSink(w *sinkWorker) {
	defer b.wg.Done()
	for range w.box.notify {
		batch, closed := w.box.drain()
		for _, e := range batch {
			b.deliver(w.sink, e)
		}
		if closed {
			return
		}
	}
}

func (b *Bus) deliver(sink Sink, e Event) {
	b.mu.Lock()
	record := b.onDelivery
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), b.sinkTimeout)
	err := sink.Deliver(ctx, e)
	cancel()

	if record != nil {
		record(sink.Name(), err == nil)
	}
	if err != nil {
		b.logger.Warn("event sink delivery failed (non-fatal)",
			zap.String("sink", sink.Name()),
			zap.String("event_id", e.ID.String()),
			zap.String("type", string(e.Type)),
			zap.Error(err),
		)
	}
}
