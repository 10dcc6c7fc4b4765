// ABOUTME: Ordered asynchronous notification dispatcher for job mutations
// ABOUTME: One FIFO and worker per subscriber; drained or cancelled on shutdown

package jobs

import (
	"context"
	"log/slog"
	"sync"
)

// Emitter resolves and notifies subscribers of a resource URI. The
// subscription manager implements it.
type Emitter interface {
	// Recipients returns the IDs of the subscribers matching uri.
	Recipients(uri string) []string
	// EmitTo delivers data for uri to one subscriber.
	EmitTo(subscriberID, uri string, data any) error
}

type emission struct {
	uri  string
	data any
}

// subscriberQueue holds pending emissions for one subscriber. running is
// true while a worker goroutine owns the queue.
type subscriberQueue struct {
	pending []emission
	running bool
}

// dispatcher runs emissions off the mutation path. Recipients are resolved
// when the mutation commits; each subscriber then has its own FIFO so a slow
// callback only delays its own later notifications.
type dispatcher struct {
	mu      sync.Mutex
	queues  map[string]*subscriberQueue
	closed  bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	emitter Emitter
	logger  *slog.Logger
	active  int
	dropped int
}

func newDispatcher(emitter Emitter, logger *slog.Logger) *dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &dispatcher{
		queues:  make(map[string]*subscriberQueue),
		ctx:     ctx,
		cancel:  cancel,
		emitter: emitter,
		logger:  logger,
	}
}

// schedule queues an emission for every current recipient of uri and returns
// immediately. It returns false once the dispatcher is closed or when there is
// no emitter.
func (d *dispatcher) schedule(uri string, data any) bool {
	if d.emitter == nil {
		return false
	}

	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return false
	}

	recipients := d.emitter.Recipients(uri)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false
	}

	for _, id := range recipients {
		q, ok := d.queues[id]
		if !ok {
			q = &subscriberQueue{}
			d.queues[id] = q
		}
		q.pending = append(q.pending, emission{uri: uri, data: data})

		if !q.running {
			q.running = true
			d.wg.Add(1)
			go d.run(id, q)
		}
	}
	return true
}

// run drains one subscriber queue. It exits when the queue is empty.
func (d *dispatcher) run(subscriberID string, q *subscriberQueue) {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			delete(d.queues, subscriberID)
			d.mu.Unlock()
			return
		}
		next := q.pending[0]
		q.pending[0] = emission{}
		q.pending = q.pending[1:]
		cancelled := d.ctx.Err() != nil
		if cancelled {
			d.dropped++
		} else {
			d.active++
		}
		d.mu.Unlock()

		if cancelled {
			continue
		}
		if err := d.emitter.EmitTo(subscriberID, next.uri, next.data); err != nil {
			d.logger.Debug("notification not delivered",
				"uri", next.uri,
				"sub_id", subscriberID,
				"error", err)
		}

		d.mu.Lock()
		d.active--
		d.mu.Unlock()
	}
}

// pending returns the number of queued or in-flight emissions across all
// subscribers.
func (d *dispatcher) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.active
	for _, q := range d.queues {
		n += len(q.pending)
	}
	return n
}

// close stops accepting emissions and waits for queued ones to be delivered.
// If ctx expires first, the remaining emissions are dropped and ctx's error is
// returned; a callback that is already running is not interrupted.
func (d *dispatcher) close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		d.mu.Lock()
		dropped := d.dropped
		for _, q := range d.queues {
			dropped += len(q.pending)
		}
		d.mu.Unlock()
		d.logger.Warn("notification dispatcher cancelled", "dropped", dropped)
		return ctx.Err()
	}
}
