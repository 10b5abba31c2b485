// Package dedupe suppresses repeated webhook deliveries. Messaging
// providers retry a webhook when the acknowledgment is slow or lost, so the
// same message id can arrive more than once within a short window.
package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Defaults for the delivery window.
const (
	DefaultTTL     = 10 * time.Minute
	DefaultMaxSize = 10000
)

type seenID struct {
	at   time.Time
	elem *list.Element
}

// Window remembers message ids for a fixed time. It is bounded: once full,
// the id seen longest ago is forgotten first.
type Window struct {
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	ids   map[string]*seenID
	order *list.List // oldest at front

	stop     chan struct{}
	stopOnce sync.Once
	mu       sync.Mutex
}

// New creates a window that remembers ids for ttl and holds at most maxSize
// of them. Non-positive values fall back to the defaults. A background
// sweep drops expired ids once a minute until Close.
func New(ttl time.Duration, maxSize int) *Window {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	w := &Window{
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		ids:     make(map[string]*seenID),
		order:   list.New(),
		stop:    make(chan struct{}),
	}
	go w.sweepLoop()
	return w
}

// Seen reports whether id was recorded and has not expired.
func (w *Window) Seen(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.liveLocked(id)
}

// Duplicate records id and reports whether it was already live. Check and
// record happen under one lock, so two concurrent deliveries of the same id
// cannot both be treated as new. An empty id is never a duplicate.
func (w *Window) Duplicate(id string) bool {
	if id == "" {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.liveLocked(id) {
		return true
	}
	w.recordLocked(id)
	return false
}

// Forget drops id, so its next delivery is treated as new.
func (w *Window) Forget(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if s, ok := w.ids[id]; ok {
		w.order.Remove(s.elem)
		delete(w.ids, id)
	}
}

// Len returns how many ids are currently held, expired or not.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.ids)
}

// Close stops the background sweep. Safe to call more than once.
func (w *Window) Close() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Window) liveLocked(id string) bool {
	s, ok := w.ids[id]
	return ok && w.now().Sub(s.at) < w.ttl
}

func (w *Window) recordLocked(id string) {
	now := w.now()
	if s, ok := w.ids[id]; ok {
		s.at = now
		w.order.MoveToBack(s.elem)
		return
	}

	if len(w.ids) >= w.maxSize {
		if front := w.order.Front(); front != nil {
			w.order.Remove(front)
			delete(w.ids, front.Value.(string))
		}
	}
	w.ids[id] = &seenID{at: now, elem: w.order.PushBack(id)}
}

func (w *Window) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep()
		case <-w.stop:
			return
		}
	}
}

// sweep drops expired ids. Since ids are kept in record order, it can stop
// at the first live one.
func (w *Window) sweep() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	dropped := 0
	for e := w.order.Front(); e != nil; {
		id := e.Value.(string)
		if now.Sub(w.ids[id].at) < w.ttl {
			break
		}
		next := e.Next()
		w.order.Remove(e)
		delete(w.ids, id)
		dropped++
		e = next
	}
	return dropped
}
