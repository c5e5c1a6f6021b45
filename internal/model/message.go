package model

import (
	"encoding/json"
	"time"
	"unicode/utf8"
)

// ImagePreview is the last-message text shown for messages carrying only an image.
const ImagePreview = "[image]"

// replyPreviewRunes bounds the quoted content carried by a resolved reply.
const replyPreviewRunes = 100

// Message represents a chat message persisted in a room
type Message struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"roomId"`
	SenderID   string    `json:"senderId"`
	SenderRole Role      `json:"senderRole"`
	Content    *string   `json:"content,omitempty"`
	Image      *string   `json:"image,omitempty"`
	ReplyTo    *ReplyRef `json:"replyTo,omitempty"`
	Seen       bool      `json:"seen"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Preview returns the denormalized text stored as the room's last message.
func (m Message) Preview() string {
	if m.Content != nil && *m.Content != "" {
		return *m.Content
	}
	if m.Image != nil {
		return ImagePreview
	}
	return ""
}

// NewMessage is a message that has not been persisted yet. The store assigns
// identity and timestamps.
type NewMessage struct {
	RoomID     string
	SenderID   string
	SenderRole Role
	Content    *string
	Image      *string
	ReplyTo    *string
}

// ReplyRef is a reference from a message to the message it answers.
// It is either unresolved (id only) or resolved with a short preview of the
// target. Stores only ever produce unresolved references.
type ReplyRef struct {
	ID      string
	preview *replyPreview
}

type replyPreview struct {
	Content    string
	SenderRole Role
}

// Unresolved builds an id-only reference.
func Unresolved(id string) *ReplyRef {
	return &ReplyRef{ID: id}
}

// Resolved builds a reference populated from the target message.
func Resolved(target Message) *ReplyRef {
	content := ""
	if target.Content != nil {
		content = truncate(*target.Content, replyPreviewRunes)
	}
	if content == "" && target.Image != nil {
		content = ImagePreview
	}
	return &ReplyRef{
		ID:      target.ID,
		preview: &replyPreview{Content: content, SenderRole: target.SenderRole},
	}
}

// IsResolved reports whether the reference carries a preview.
func (r ReplyRef) IsResolved() bool { return r.preview != nil }

// PreviewContent returns the truncated content of a resolved target.
func (r ReplyRef) PreviewContent() (string, bool) {
	if r.preview == nil {
		return "", false
	}
	return r.preview.Content, true
}

// PreviewRole returns the sender role of a resolved target.
func (r ReplyRef) PreviewRole() (Role, bool) {
	if r.preview == nil {
		return "", false
	}
	return r.preview.SenderRole, true
}

type replyRefJSON struct {
	ID         string  `json:"id"`
	Content    *string `json:"content,omitempty"`
	SenderRole *Role   `json:"senderRole,omitempty"`
}

func (r ReplyRef) MarshalJSON() ([]byte, error) {
	out := replyRefJSON{ID: r.ID}
	if r.preview != nil {
		out.Content = &r.preview.Content
		out.SenderRole = &r.preview.SenderRole
	}
	return json.Marshal(out)
}

func (r *ReplyRef) UnmarshalJSON(data []byte) error {
	var in replyRefJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	r.ID = in.ID
	r.preview = nil
	if in.SenderRole != nil {
		p := &replyPreview{SenderRole: *in.SenderRole}
		if in.Content != nil {
			p.Content = *in.Content
		}
		r.preview = p
	}
	return nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
