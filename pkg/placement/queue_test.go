package placement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDelayQueueEnqueueDequeue tests basic enqueue and dequeue
func TestDelayQueueEnqueueDequeue(t *testing.T) {
	q := NewDelayQueue()

	q.Enqueue("worker-1", 0)

	id, ok := q.Dequeue()
	require.True(t, ok, "item should be available immediately")
	assert.Equal(t, "worker-1", id)

	id, ok = q.Dequeue()
	assert.False(t, ok, "queue should be empty")
	assert.Equal(t, "", id)
}

// TestDelayQueueDelayedDequeue tests that items stay hidden until ready
func TestDelayQueueDelayedDequeue(t *testing.T) {
	q := NewDelayQueue()

	q.Enqueue("worker-1", 100*time.Millisecond)

	_, ok := q.Dequeue()
	assert.False(t, ok, "item should not be ready yet")

	time.Sleep(150 * time.Millisecond)

	id, ok := q.Dequeue()
	require.True(t, ok, "item should be ready after the delay")
	assert.Equal(t, "worker-1", id)
}

// TestDelayQueueOrdering tests that items come out in readiness order
func TestDelayQueueOrdering(t *testing.T) {
	q := NewDelayQueue()

	q.Enqueue("worker-3", 120*time.Millisecond)
	q.Enqueue("worker-1", 20*time.Millisecond)
	q.Enqueue("worker-2", 70*time.Millisecond)
	assert.Equal(t, 3, q.Len())

	time.Sleep(200 * time.Millisecond)

	var order []string
	for {
		id, ok := q.Dequeue()
		if !ok {
			break
		}
		order = append(order, id)
	}
	assert.Equal(t, []string{"worker-1", "worker-2", "worker-3"}, order)
}

// TestDelayQueueEarlierWins tests that re-enqueueing with a shorter delay
// moves the item forward
func TestDelayQueueEarlierWins(t *testing.T) {
	q := NewDelayQueue()

	q.Enqueue("worker-1", time.Hour)
	_, ok := q.Dequeue()
	assert.False(t, ok, "item should be far in the future")

	q.Enqueue("worker-1", 0)
	assert.Equal(t, 1, q.Len(), "re-enqueue should update, not duplicate")

	id, ok := q.Dequeue()
	require.True(t, ok, "updated item should be ready now")
	assert.Equal(t, "worker-1", id)
}

// TestDelayQueueLaterDoesNotPostpone tests that a longer delay for a
// pending item is ignored
func TestDelayQueueLaterDoesNotPostpone(t *testing.T) {
	q := NewDelayQueue()

	q.Enqueue("worker-1", 0)
	q.Enqueue("worker-1", time.Hour)
	assert.Equal(t, 1, q.Len())

	id, ok := q.Dequeue()
	require.True(t, ok, "original readiness should stand")
	assert.Equal(t, "worker-1", id)
}

// TestDelayQueueWait tests the readiness notification channel
func TestDelayQueueWait(t *testing.T) {
	q := NewDelayQueue()

	select {
	case <-q.Wait():
		t.Fatal("no notification expected on an empty queue")
	case <-time.After(20 * time.Millisecond):
	}

	q.Enqueue("worker-1", 0)

	select {
	case <-q.Wait():
	case <-time.After(time.Second):
		t.Fatal("expected a notification after enqueue")
	}
}

// TestJitterBounds tests that jitter stays within the configured fraction
func TestJitterBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 100; i++ {
		d := Jitter(base, 0.25)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}

	assert.Equal(t, base, Jitter(base, 0), "zero fraction should be a no-op")
}

// TestExponentialBackoff tests doubling and the cap
func TestExponentialBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second

	// Attempt 0 jitters around the base delay.
	d := ExponentialBackoff(0, base, max)
	assert.GreaterOrEqual(t, d, 75*time.Millisecond)
	assert.LessOrEqual(t, d, 125*time.Millisecond)

	// Attempt 2 jitters around 4x the base delay.
	d = ExponentialBackoff(2, base, max)
	assert.GreaterOrEqual(t, d, 300*time.Millisecond)
	assert.LessOrEqual(t, d, 500*time.Millisecond)

	// Large attempts hit the cap (plus jitter headroom).
	d = ExponentialBackoff(20, base, max)
	assert.GreaterOrEqual(t, d, 750*time.Millisecond)
	assert.LessOrEqual(t, d, 1250*time.Millisecond)

	// Negative attempts clamp to the base delay.
	d = ExponentialBackoff(-3, base, max)
	assert.LessOrEqual(t, d, 125*time.Millisecond)
}
