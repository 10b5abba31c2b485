package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestWindow(t *testing.T, ttl time.Duration, maxSize int) (*Window, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	w := New(ttl, maxSize)
	w.now = clock.now
	t.Cleanup(w.Close)
	return w, clock
}

func TestDuplicate_FirstDeliveryIsNew(t *testing.T) {
	w, _ := newTestWindow(t, time.Minute, 10)

	assert.False(t, w.Duplicate("SM1"))
	assert.True(t, w.Duplicate("SM1"))
	assert.True(t, w.Seen("SM1"))
	assert.False(t, w.Seen("SM2"))
}

func TestDuplicate_EmptyIDNeverSuppressed(t *testing.T) {
	w, _ := newTestWindow(t, time.Minute, 10)

	assert.False(t, w.Duplicate(""))
	assert.False(t, w.Duplicate(""))
	assert.Equal(t, 0, w.Len())
}

func TestDuplicate_Expires(t *testing.T) {
	w, clock := newTestWindow(t, 10*time.Minute, 10)

	require.False(t, w.Duplicate("SM1"))
	clock.advance(9 * time.Minute)
	assert.True(t, w.Duplicate("SM1"))

	clock.advance(10 * time.Minute)
	assert.False(t, w.Seen("SM1"))
	assert.False(t, w.Duplicate("SM1"), "expired id counts as new")
}

func TestDuplicate_EvictsOldestWhenFull(t *testing.T) {
	w, clock := newTestWindow(t, time.Hour, 3)

	for i := 1; i <= 3; i++ {
		w.Duplicate(fmt.Sprintf("SM%d", i))
		clock.advance(time.Second)
	}
	w.Duplicate("SM4")

	assert.Equal(t, 3, w.Len())
	assert.False(t, w.Seen("SM1"))
	for _, id := range []string{"SM2", "SM3", "SM4"} {
		assert.True(t, w.Seen(id), id)
	}
}

func TestForget(t *testing.T) {
	w, _ := newTestWindow(t, time.Minute, 10)

	require.False(t, w.Duplicate("SM1"))
	w.Forget("SM1")
	assert.False(t, w.Seen("SM1"))
	assert.Equal(t, 0, w.Len())
	assert.False(t, w.Duplicate("SM1"), "forgotten id is new again")
	assert.True(t, w.Duplicate("SM1"))

	w.Forget("unknown")
	assert.Equal(t, 1, w.Len())
}

func TestSweep(t *testing.T) {
	w, clock := newTestWindow(t, time.Minute, 10)

	w.Duplicate("old-1")
	w.Duplicate("old-2")
	clock.advance(2 * time.Minute)
	w.Duplicate("fresh")

	assert.Equal(t, 2, w.sweep())
	assert.Equal(t, 1, w.Len())
	assert.True(t, w.Seen("fresh"))
}

func TestDefaults(t *testing.T) {
	w := New(0, 0)
	defer w.Close()

	assert.Equal(t, DefaultTTL, w.ttl)
	assert.Equal(t, DefaultMaxSize, w.maxSize)
}

func TestClose_Idempotent(t *testing.T) {
	w := New(time.Minute, 10)
	w.Close()
	assert.NotPanics(t, w.Close)
}

func TestDuplicate_ConcurrentDeliveries(t *testing.T) {
	w, _ := newTestWindow(t, time.Minute, 100)

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !w.Duplicate("SM-retry") {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, fresh.Load(), "exactly one delivery is processed")
}
