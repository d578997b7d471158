package model

import (
	"strings"
	"time"
)

const (
	// TombstoneText replaces the content of a message deleted for everyone.
	TombstoneText = "This message was deleted"

	// SystemMessagePrefix marks messages generated by the platform rather than a user.
	SystemMessagePrefix = "[system] "

	// BookingMessagePrefix marks the system message that opens a conversation from a reservation.
	BookingMessagePrefix = SystemMessagePrefix + "booking:"

	// TempIDPrefix is carried by every optimistic id. Server ids are bare UUIDs.
	TempIDPrefix = "temp-"
)

// Message represents a direct message between two users
type Message struct {
	ID            string     `json:"id" bson:"_id"`
	SenderID      string     `json:"sender_id" bson:"sender_id"`
	ReceiverID    string     `json:"receiver_id" bson:"receiver_id"`
	Content       string     `json:"content" bson:"content"`
	CreatedAt     time.Time  `json:"created_at" bson:"created_at"`
	IsRead        bool       `json:"is_read" bson:"is_read"`
	IsDeleted     bool       `json:"is_deleted" bson:"is_deleted"`
	DeletedForAll bool       `json:"deleted_for_all" bson:"deleted_for_all"`
	DeletedAt     *time.Time `json:"deleted_at" bson:"deleted_at"`
	DeletedBy     *string    `json:"deleted_by" bson:"deleted_by"`

	// Pending is local only: set on optimistic shadows until the store confirms them.
	Pending bool `json:"pending,omitempty" bson:"-"`
}

// MessageUpdate holds the mutable fields of a message. Nil means unchanged.
type MessageUpdate struct {
	IsRead        *bool      `json:"is_read,omitempty"`
	IsDeleted     *bool      `json:"is_deleted,omitempty"`
	DeletedForAll *bool      `json:"deleted_for_all,omitempty"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
	DeletedBy     *string    `json:"deleted_by,omitempty"`
}

// IsEmpty reports whether the update touches no field.
func (u MessageUpdate) IsEmpty() bool {
	return u.IsRead == nil && u.IsDeleted == nil && u.DeletedForAll == nil &&
		u.DeletedAt == nil && u.DeletedBy == nil
}

// Involves reports whether the message belongs to the conversation between a and b.
func (m Message) Involves(a, b string) bool {
	return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
}

// Counterpart returns the other participant relative to viewer.
func (m Message) Counterpart(viewer string) string {
	if m.SenderID == viewer {
		return m.ReceiverID
	}
	return m.SenderID
}

// IsTemporary reports whether the message carries an optimistic id.
func (m Message) IsTemporary() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

// IsSystem reports whether the message was generated by the platform.
func (m Message) IsSystem() bool {
	return strings.HasPrefix(m.Content, SystemMessagePrefix)
}

// IsBookingOrigin reports whether the message is the system message a reservation opens a chat with.
func (m Message) IsBookingOrigin() bool {
	return strings.HasPrefix(m.Content, BookingMessagePrefix)
}

// Before is the total order of a conversation: created_at, then id.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// Apply merges the mutable fields of u into m. Flags only ever move from false to true,
// and deleting for everyone replaces the content with the tombstone.
func (m Message) Apply(u MessageUpdate) Message {
	if u.IsRead != nil && *u.IsRead {
		m.IsRead = true
	}
	if u.IsDeleted != nil && *u.IsDeleted {
		m.IsDeleted = true
	}
	if u.DeletedForAll != nil && *u.DeletedForAll {
		m.IsDeleted = true
		m.DeletedForAll = true
	}
	if u.DeletedAt != nil && m.DeletedAt == nil {
		at := *u.DeletedAt
		m.DeletedAt = &at
	}
	if u.DeletedBy != nil && m.DeletedBy == nil {
		by := *u.DeletedBy
		m.DeletedBy = &by
	}
	if m.DeletedForAll {
		m.Content = TombstoneText
	}
	return m
}

// Merge applies the mutable fields carried by a full remote record onto m,
// keeping m's identity and immutable fields.
func (m Message) Merge(remote Message) Message {
	return m.Apply(MessageUpdate{
		IsRead:        &remote.IsRead,
		IsDeleted:     &remote.IsDeleted,
		DeletedForAll: &remote.DeletedForAll,
		DeletedAt:     remote.DeletedAt,
		DeletedBy:     remote.DeletedBy,
	})
}

// ErrorPayload represents an error response sent to a client
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}
