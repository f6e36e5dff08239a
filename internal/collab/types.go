package collab

import (
	"time"
)

// Role is the participant's role in the form's organisation.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// UnknownFieldLabel keys values whose field id has no known label.
const UnknownFieldLabel = "Unknown Field"

// Participant is one connection's presence in a room. Several participants
// may share a user id across rooms, never a connection id within a room.
type Participant struct {
	ConnectionID string    `json:"connectionId"`
	UserID       string    `json:"userId"`
	UserName     string    `json:"userName"`
	Role         Role      `json:"role"`
	JoinedAt     time.Time `json:"joinedAt"`
}

// Ref returns the short user reference carried by membership events.
func (p Participant) Ref() UserRef {
	return UserRef{UserID: p.UserID, UserName: p.UserName, Role: p.Role}
}

// UserRef identifies a user in outbound payloads.
type UserRef struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Role     Role   `json:"role,omitempty"`
}

// LockHolder identifies who is acquiring a field lock.
type LockHolder struct {
	UserID       string
	UserName     string
	ConnectionID string
}

// FieldLock is the advisory lock on one field of one form.
type FieldLock struct {
	FormID       string    `json:"formId"`
	FieldID      string    `json:"fieldId"`
	HolderUserID string    `json:"userId"`
	HolderName   string    `json:"userName"`
	ConnectionID string    `json:"connectionId"`
	AcquiredAt   time.Time `json:"acquiredAt"`

	// Token identifies the acquisition so a late timer cannot expire a
	// newer lock on the same field.
	Token uint64 `json:"-"`
}

// Activity types carried in ActivityEvent.Type.
const (
	ActivityUserJoined  = "user_joined"
	ActivityUserLeft    = "user_left"
	ActivityFieldLock   = "field_lock"
	ActivityFieldUpdate = "field_update"
)

// ActivityEvent is a transient audit entry broadcast to the room.
type ActivityEvent struct {
	FormID    string    `json:"-"`
	Message   string    `json:"message"`
	UserName  string    `json:"userName"`
	FieldName string    `json:"fieldName,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
}

// Stats summarises engine state for monitoring.
type Stats struct {
	Rooms          int `json:"rooms"`
	Participants   int `json:"participants"`
	Locks          int `json:"locks"`
	CachedForms    int `json:"cachedForms"`
	PendingFlushes int `json:"pendingFlushes"`
	FailingFlushes int `json:"failingFlushes"`
}

// Presence is the membership and lock view of one room.
type Presence struct {
	FormID string        `json:"formId"`
	Users  []Participant `json:"users"`
	Locks  []FieldLock   `json:"locks"`
}
