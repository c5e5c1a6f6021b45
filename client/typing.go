package client

import (
	"sort"
	"sync"
	"time"

	"staychat/internal/model"
)

// DefaultTypingTTL is how long a typing indicator survives without a refresh.
const DefaultTypingTTL = 6 * time.Second

type typingKey struct {
	roomID     string
	identityID string
}

// TypingTracker keeps typing indicators alive for a TTL after the last
// typing event, so a peer that disconnects mid-sentence never stays stuck
// as typing.
type TypingTracker struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	expires map[typingKey]time.Time
}

func NewTypingTracker(ttl time.Duration) *TypingTracker {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &TypingTracker{ttl: ttl, now: time.Now, expires: make(map[typingKey]time.Time)}
}

// Observe applies a typing event.
func (t *TypingTracker) Observe(evt model.Typing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := typingKey{roomID: evt.RoomID, identityID: evt.FromIdentityID}
	if !evt.Active {
		delete(t.expires, key)
		return
	}
	t.expires[key] = t.now().Add(t.ttl)
}

// Clear drops the indicator of identityID, typically when its message arrives.
func (t *TypingTracker) Clear(roomID, identityID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.expires, typingKey{roomID: roomID, identityID: identityID})
}

// Typing returns the identities currently typing in roomID, sorted.
func (t *TypingTracker) Typing(roomID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var out []string
	for key, exp := range t.expires {
		if !now.Before(exp) {
			delete(t.expires, key)
			continue
		}
		if key.roomID == roomID {
			out = append(out, key.identityID)
		}
	}
	sort.Strings(out)
	return out
}
