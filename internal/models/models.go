package models

import "time"

type MessageKind string

const (
	KindText   MessageKind = "Text"
	KindImage  MessageKind = "Image"
	KindSystem MessageKind = "System"
)

func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindImage, KindSystem:
		return true
	}
	return false
}

// EncryptedMessageTTL is the fixed lifetime of an encrypted message.
const EncryptedMessageTTL = 24 * time.Hour

type User struct {
	Identity     string    `json:"identity"`
	Username     string    `json:"username"`
	Bio          *string   `json:"bio,omitempty"`
	Avatar       *string   `json:"avatar,omitempty"`
	JoinedAt     time.Time `json:"joined_at"`
	MessageCount uint64    `json:"message_count"`
	LastActive   time.Time `json:"last_active"`
}

type Channel struct {
	ID            uint64     `json:"id"`
	Name          string     `json:"name"`
	Description   *string    `json:"description,omitempty"`
	CreatedBy     string     `json:"created_by"`
	CreatedAt     time.Time  `json:"created_at"`
	Members       []string   `json:"members"`
	MessageCount  uint64     `json:"message_count"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	IsEncrypted   bool       `json:"is_encrypted"`
	PasswordHash  *string    `json:"password_hash,omitempty"`
}

func (c Channel) HasMember(identity string) bool {
	for _, m := range c.Members {
		if m == identity {
			return true
		}
	}
	return false
}

type Attachment struct {
	Type     string `json:"type"`
	Data     []byte `json:"data"`
	Filename string `json:"filename"`
	Size     uint64 `json:"size"`
}

type Message struct {
	ID          uint64       `json:"id"`
	Author      string       `json:"author"`
	Content     string       `json:"content"`
	Timestamp   time.Time    `json:"timestamp"`
	ChannelID   *uint64      `json:"channel_id,omitempty"`
	ReplyTo     *uint64      `json:"reply_to,omitempty"`
	Kind        MessageKind  `json:"kind"`
	Attachments []Attachment `json:"attachments"`
}

type EncryptedMessage struct {
	ID               uint64       `json:"id"`
	EncryptedContent string       `json:"encrypted_content"`
	Author           string       `json:"author"`
	CreatedAt        time.Time    `json:"created_at"`
	ExpiresAt        time.Time    `json:"expires_at"`
	ChannelID        *uint64      `json:"channel_id,omitempty"`
	ReplyTo          *uint64      `json:"reply_to,omitempty"`
	Kind             MessageKind  `json:"kind"`
	SharedWith       []string     `json:"shared_with"`
	Attachments      []Attachment `json:"attachments"`
}

// IsExpired reports whether now is strictly after the expiry instant.
func (m EncryptedMessage) IsExpired(now time.Time) bool {
	return now.After(m.ExpiresAt)
}

func (m EncryptedMessage) IsSharedWith(identity string) bool {
	for _, s := range m.SharedWith {
		if s == identity {
			return true
		}
	}
	return false
}

// MessageWithAuthor is a readable message with the author's display name.
// It is used for plaintext messages and for decrypted encrypted messages.
type MessageWithAuthor struct {
	ID          uint64       `json:"id"`
	Author      string       `json:"author"`
	AuthorName  string       `json:"author_username"`
	Content     string       `json:"content"`
	Timestamp   time.Time    `json:"timestamp"`
	ChannelID   *uint64      `json:"channel_id,omitempty"`
	ReplyTo     *uint64      `json:"reply_to,omitempty"`
	Kind        MessageKind  `json:"kind"`
	Attachments []Attachment `json:"attachments"`
}

type PaginatedMessages struct {
	Messages   []MessageWithAuthor `json:"messages"`
	TotalCount uint64              `json:"total_count"`
	HasMore    bool                `json:"has_more"`
}

type Stats struct {
	Users             uint64 `json:"users"`
	Messages          uint64 `json:"messages"`
	Channels          uint64 `json:"channels"`
	EncryptedMessages uint64 `json:"encrypted_messages"`
}

// PushSubscription is a stored Web Push endpoint for one browser.
type PushSubscription struct {
	Endpoint  string    `json:"endpoint"`
	KeyP256dh string    `json:"p256dh"`
	KeyAuth   string    `json:"auth"`
	CreatedAt time.Time `json:"created_at"`
}
