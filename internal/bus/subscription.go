package bus

import (
	"sync"

	"github.com/gobwas/glob"

	"ghost/internal/model"
)

// unboundedQueue is a single-producer/single-consumer queue backed by a
// mutex-guarded slice instead of a fixed-capacity channel, so a publish
// never blocks on a slow subscriber and no backpressure reaches the
// remote; depth is bounded only by the caller's consumption rate.
type unboundedQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []model.Message
	closed bool
}

func newUnboundedQueue() *unboundedQueue {
	q := &unboundedQueue{}
	q.cond = sync.NewCond(&q.mu)

	return q
}

func (q *unboundedQueue) push(msg model.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.items = append(q.items, msg)
	q.cond.Signal()
}

// pop blocks until an item is available or the queue is closed, in which
// case it returns (model.Message{}, false).
func (q *unboundedQueue) pop() (model.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}

	if len(q.items) == 0 {
		return model.Message{}, false
	}

	msg := q.items[0]
	q.items = q.items[1:]

	return msg, true
}

// closeQueue wakes any blocked pop and drops remaining queued items.
func (q *unboundedQueue) closeQueue() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.items = nil
	q.cond.Broadcast()
}

// Subscription is a live handle to a Bus.Subscribe call. The caller
// reads Messages() until it is closed by Cancel or by the bus shutting
// down.
type Subscription struct {
	Pattern string

	bus     *Bus
	queue   *unboundedQueue
	cancel  func()
	matcher glob.Glob
	literal bool
	out     chan model.Message
}

// Messages returns the channel the caller reads delivered messages from.
// It is closed once Cancel has fully unwound.
func (s *Subscription) Messages() <-chan model.Message {
	return s.out
}

// Cancel deregisters the subscription and stops delivery.
func (s *Subscription) Cancel() {
	s.cancel()
}

// matches reports whether channel satisfies this subscription's pattern.
func (s *Subscription) matches(channel string) bool {
	if s.literal {
		return s.Pattern == channel
	}

	return s.matcher.Match(channel)
}

// compilePattern builds the matcher for a subscription pattern. Only `*`
// wildcards are supported, no `?` or character classes; gobwas/glob
// compiled without a separator rune makes `*` match across any
// characters.
func compilePattern(pattern string) (glob.Glob, bool, error) {
	literal := !containsWildcard(pattern)
	if literal {
		return nil, true, nil
	}

	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, false, err
	}

	return g, false, nil
}

func containsWildcard(pattern string) bool {
	for _, r := range pattern {
		if r == '*' {
			return true
		}
	}

	return false
}
