// Package placement spawns replica workers, probes their liveness, and
// replaces crashed instances. A crash is reported to the health tracker as
// a failure event; the replacement re-registers under the same identity,
// which is what readmits it to the routing pool.
package placement

import (
	"container/heap"
	"math"
	"math/rand"
	"sync"
	"time"
)

// DelayQueue schedules replica identities to become ready after a delay.
// It backs the restart scheduler: crashed workers are enqueued with a
// backoff delay and picked up once ready.
type DelayQueue struct {
	mu       sync.Mutex
	items    *delayItemHeap
	notifyCh chan struct{}
}

type delayItem struct {
	id      string
	readyAt time.Time
	index   int
}

type delayItemHeap []*delayItem

func (h delayItemHeap) Len() int { return len(h) }

func (h delayItemHeap) Less(i, j int) bool {
	return h[i].readyAt.Before(h[j].readyAt)
}

func (h delayItemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *delayItemHeap) Push(x interface{}) {
	item := x.(*delayItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *delayItemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// NewDelayQueue creates an empty queue.
func NewDelayQueue() *DelayQueue {
	items := &delayItemHeap{}
	heap.Init(items)
	return &DelayQueue{
		items:    items,
		notifyCh: make(chan struct{}, 1),
	}
}

// Enqueue schedules id to become ready after delay. If id is already
// queued, only an earlier ready time replaces the existing one.
func (q *DelayQueue) Enqueue(id string, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	readyAt := time.Now().Add(delay)
	for _, item := range *q.items {
		if item.id == id {
			if readyAt.Before(item.readyAt) {
				item.readyAt = readyAt
				heap.Fix(q.items, item.index)
			}
			q.notify()
			return
		}
	}

	heap.Push(q.items, &delayItem{id: id, readyAt: readyAt})
	q.notify()
}

// Dequeue removes and returns the next ready identity, or false if nothing
// is ready yet.
func (q *DelayQueue) Dequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		return "", false
	}
	item := (*q.items)[0]
	if time.Now().Before(item.readyAt) {
		return "", false
	}
	heap.Pop(q.items)
	return item.id, true
}

// Len returns the number of queued identities, ready or not.
func (q *DelayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Wait returns a channel signalled when the queue contents change. Items
// enqueued with a delay become ready later than the signal; callers should
// also poll on a ticker.
func (q *DelayQueue) Wait() <-chan struct{} {
	return q.notifyCh
}

func (q *DelayQueue) notify() {
	select {
	case q.notifyCh <- struct{}{}:
	default:
	}
}

// Jitter spreads a duration by up to jitterFraction in either direction to
// prevent thundering herds.
func Jitter(duration time.Duration, jitterFraction float64) time.Duration {
	if jitterFraction <= 0 {
		return duration
	}
	if jitterFraction > 1.0 {
		jitterFraction = 1.0
	}
	jitter := rand.Float64() * jitterFraction
	multiplier := 1.0 + (jitter * 2.0) - jitterFraction
	return time.Duration(float64(duration) * multiplier)
}

// ExponentialBackoff returns baseDelay doubled per attempt, capped at
// maxDelay, with jitter applied.
func ExponentialBackoff(attempt int, baseDelay, maxDelay time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt)))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	return Jitter(delay, 0.25)
}
