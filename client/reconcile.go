package client

import (
	"errors"
	"time"

	"github.com/samber/lo"

	"staychat/internal/model"
)

// SendState is the lifecycle of one optimistic send.
type SendState int

const (
	Pending SendState = iota
	Confirmed
	Failed
	// Unknown means no acknowledgment arrived in time. The message may or may
	// not exist; the room must be re-fetched.
	Unknown
)

func (s SendState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	case Unknown:
		return "unknown"
	}
	return "invalid"
}

// Entry is one line of a locally rendered room. TempID is set only for
// entries created optimistically.
type Entry struct {
	TempID  string
	State   SendState
	Message model.Message
}

// Snapshot is the list as it was before an optimistic insert.
type Snapshot struct {
	entries []Entry
}

// DefaultMatchWindow bounds the clock skew tolerated when pairing a pushed
// message with a pending entry.
const DefaultMatchWindow = 30 * time.Second

// Optimistic builds the pending entry for a message about to be sent.
func Optimistic(tempID string, msg model.NewMessage, now time.Time) Entry {
	var reply *model.ReplyRef
	if msg.ReplyTo != nil {
		reply = model.Unresolved(*msg.ReplyTo)
	}
	return Entry{
		TempID: tempID,
		State:  Pending,
		Message: model.Message{
			ID:         tempID,
			RoomID:     msg.RoomID,
			SenderID:   msg.SenderID,
			SenderRole: msg.SenderRole,
			Content:    msg.Content,
			Image:      msg.Image,
			ReplyTo:    reply,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
	}
}

// Insert appends e and returns the snapshot needed to undo it.
func Insert(list []Entry, e Entry) ([]Entry, Snapshot) {
	snap := Snapshot{entries: clone(list)}
	return append(clone(list), e), snap
}

// Rollback restores the list exactly as it was before Insert.
func Rollback(s Snapshot) []Entry {
	return clone(s.entries)
}

// Confirm replaces the pending entry tempID with the server's message. If the
// message already arrived through a push the pending entry is simply dropped.
func Confirm(list []Entry, tempID string, msg model.Message) []Entry {
	confirmed := Entry{State: Confirmed, Message: msg}
	if hasMessage(list, msg.ID) {
		return lo.Reject(list, func(e Entry, _ int) bool { return e.TempID == tempID })
	}
	out := clone(list)
	for i, e := range out {
		if e.TempID == tempID {
			out[i] = confirmed
			return out
		}
	}
	return append(out, confirmed)
}

// MarkUnknown flags tempID as ambiguous.
func MarkUnknown(list []Entry, tempID string) []Entry {
	return lo.Map(list, func(e Entry, _ int) Entry {
		if e.TempID == tempID {
			e.State = Unknown
		}
		return e
	})
}

// Settle applies the outcome of a send: confirmation, rollback on a definite
// failure, or Unknown when the result is ambiguous.
func Settle(list []Entry, snap Snapshot, tempID string, msg model.Message, err error) []Entry {
	switch {
	case err == nil:
		return Confirm(list, tempID, msg)
	case errors.Is(err, ErrAmbiguous):
		return MarkUnknown(list, tempID)
	default:
		return Rollback(snap)
	}
}

// Absorb merges a message pushed by the server. A push matching a pending or
// unknown entry replaces it; a push already present by id is ignored.
func Absorb(list []Entry, msg model.Message, window time.Duration) []Entry {
	if hasMessage(list, msg.ID) {
		return clone(list)
	}
	out := clone(list)
	for i, e := range out {
		if Matches(e, msg, window) {
			out[i] = Entry{State: Confirmed, Message: msg}
			return out
		}
	}
	return append(out, Entry{State: Confirmed, Message: msg})
}

// Matches reports whether msg is the server copy of the unconfirmed entry e:
// same room, sender and body, created within window of the local timestamp.
func Matches(e Entry, msg model.Message, window time.Duration) bool {
	if e.State != Pending && e.State != Unknown {
		return false
	}
	local := e.Message
	if local.RoomID != msg.RoomID || local.SenderID != msg.SenderID || local.SenderRole != msg.SenderRole {
		return false
	}
	if !sameText(local.Content, msg.Content) || !sameText(local.Image, msg.Image) {
		return false
	}
	d := msg.CreatedAt.Sub(local.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= window
}

func sameText(a, b *string) bool {
	return lo.FromPtr(a) == lo.FromPtr(b)
}

func hasMessage(list []Entry, id string) bool {
	return lo.ContainsBy(list, func(e Entry) bool {
		return e.State == Confirmed && e.Message.ID == id
	})
}

func clone(list []Entry) []Entry {
	if list == nil {
		return nil
	}
	out := make([]Entry, len(list))
	copy(out, list)
	return out
}
