// Package presence tracks which identities hold at least one live connection.
//
// Presence is in-memory and best-effort: a restart resets everyone to offline
// and clients reconnect. Each identity carries a connection count so that
// closing one of several tabs does not flip it offline. Going offline is
// debounced by a grace window so a quick reconnect (page navigation) is never
// observed by peers.
package presence

import (
	"log/slog"
	"sync"
	"time"
)

// Change is emitted when an identity's observable presence flips.
type Change struct {
	IdentityID string
	Online     bool
	LastSeen   time.Time
}

type Listener func(Change)

type entry struct {
	count    int
	lastSeen time.Time
	// announced is the state peers were last told about.
	announced bool
	// epoch invalidates pending offline timers.
	epoch   uint64
	pending *time.Timer
}

type Tracker struct {
	log   *slog.Logger
	grace time.Duration
	now   func() time.Time

	mu        sync.Mutex
	entries   map[string]*entry
	listeners []Listener
	queue     []Change
	wake      chan struct{}
	closed    bool
	done      chan struct{}
}

// NewTracker starts a tracker whose offline notifications are delayed by
// grace. A zero grace notifies immediately.
func NewTracker(log *slog.Logger, grace time.Duration) *Tracker {
	t := &Tracker{
		log:     log,
		grace:   grace,
		now:     time.Now,
		entries: make(map[string]*entry),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go t.dispatch()
	return t
}

// Subscribe registers l for every future change. Listeners run on a single
// goroutine in the order changes happened and must not block for long.
func (t *Tracker) Subscribe(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// Connect records a new connection for identityID.
func (t *Tracker) Connect(identityID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[identityID]
	if !ok {
		e = &entry{}
		t.entries[identityID] = e
	}
	e.count++
	e.lastSeen = t.now()
	if e.pending != nil {
		e.pending.Stop()
		e.pending = nil
		e.epoch++
	}
	if !e.announced {
		e.announced = true
		t.emit(Change{IdentityID: identityID, Online: true, LastSeen: e.lastSeen})
	}
}

// Disconnect records a closed connection for identityID. The count never goes
// below zero; the entry is kept to remember when it was last seen.
func (t *Tracker) Disconnect(identityID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[identityID]
	if !ok || e.count == 0 {
		return
	}
	e.count--
	e.lastSeen = t.now()
	if e.count > 0 {
		return
	}

	e.epoch++
	if t.grace <= 0 {
		t.goOffline(identityID, e)
		return
	}
	epoch := e.epoch
	e.pending = time.AfterFunc(t.grace, func() { t.expire(identityID, epoch) })
}

func (t *Tracker) expire(identityID string, epoch uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[identityID]
	if !ok || e.epoch != epoch || e.count > 0 {
		return
	}
	e.pending = nil
	t.goOffline(identityID, e)
}

func (t *Tracker) goOffline(identityID string, e *entry) {
	if !e.announced {
		return
	}
	e.announced = false
	t.emit(Change{IdentityID: identityID, Online: false, LastSeen: e.lastSeen})
}

// IsOnline reports whether identityID holds at least one connection.
func (t *Tracker) IsOnline(identityID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[identityID]
	return ok && e.count > 0
}

// LastSeen returns the last connect or disconnect time of identityID.
func (t *Tracker) LastSeen(identityID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[identityID]
	if !ok {
		return time.Time{}, false
	}
	return e.lastSeen, true
}

// Connections returns the live connection count of identityID.
func (t *Tracker) Connections(identityID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[identityID]; ok {
		return e.count
	}
	return 0
}

// OnlineCount returns the number of identities currently online.
func (t *Tracker) OnlineCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.entries {
		if e.count > 0 {
			n++
		}
	}
	return n
}

// Close stops pending timers and the dispatcher. Queued changes are dropped.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for _, e := range t.entries {
		if e.pending != nil {
			e.pending.Stop()
			e.pending = nil
		}
	}
	t.queue = nil
	t.mu.Unlock()
	close(t.done)
}

// emit must be called with t.mu held.
func (t *Tracker) emit(c Change) {
	if t.closed {
		return
	}
	t.queue = append(t.queue, c)
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Tracker) dispatch() {
	for {
		select {
		case <-t.done:
			return
		case <-t.wake:
		}
		for {
			t.mu.Lock()
			if len(t.queue) == 0 || t.closed {
				t.mu.Unlock()
				break
			}
			c := t.queue[0]
			t.queue = t.queue[1:]
			listeners := append([]Listener(nil), t.listeners...)
			t.mu.Unlock()

			t.log.Debug("Presence changed", "identity", c.IdentityID, "online", c.Online)
			for _, l := range listeners {
				l(c)
			}
		}
	}
}
