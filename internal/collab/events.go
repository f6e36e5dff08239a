package collab

// Inbound event names.
const (
	EventJoinForm    = "join_form"
	EventLeaveForm   = "leave_form"
	EventFieldLock   = "field_lock"
	EventFieldUnlock = "field_unlock"
	EventFieldChange = "field_change"
	EventPing        = "ping"
)

// Outbound event names.
const (
	EventUserJoined    = "user_joined"
	EventUserLeft      = "user_left"
	EventFieldLocked   = "field_locked"
	EventFieldUnlocked = "field_unlocked"
	EventFieldUpdate   = "field_update"
	EventActivityLog   = "activity_log"
	EventFormState     = "form_state"
	EventPong          = "pong"
	EventError         = "error"
)

type JoinFormRequest struct {
	FormID   string `json:"formId" validate:"notblank"`
	UserID   string `json:"userId" validate:"notblank"`
	UserName string `json:"userName"`
	Role     Role   `json:"role" validate:"omitempty,oneof=admin user"`
}

type LeaveFormRequest struct {
	FormID   string `json:"formId" validate:"notblank"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

type FieldLockRequest struct {
	FormID   string `json:"formId" validate:"notblank"`
	FieldID  string `json:"fieldId" validate:"notblank"`
	UserID   string `json:"userId" validate:"notblank"`
	UserName string `json:"userName"`
}

type FieldUnlockRequest struct {
	FormID  string `json:"formId" validate:"notblank"`
	FieldID string `json:"fieldId" validate:"notblank"`
}

type FieldChangeRequest struct {
	FormID   string `json:"formId" validate:"notblank"`
	FieldID  string `json:"fieldId" validate:"notblank"`
	Value    any    `json:"value"`
	UserName string `json:"userName"`
}

type PingRequest struct {
	FormID string `json:"formId"`
}

type UserJoinedPayload struct {
	Users   []Participant `json:"users"`
	NewUser UserRef       `json:"newUser"`
}

type UserLeftPayload struct {
	Users    []Participant `json:"users"`
	LeftUser UserRef       `json:"leftUser"`
}

type FieldLockedPayload struct {
	FieldID  string  `json:"fieldId"`
	LockedBy UserRef `json:"lockedBy"`
}

type FieldUnlockedPayload struct {
	FieldID string `json:"fieldId"`
}

type FieldUpdatePayload struct {
	FieldID string `json:"fieldId"`
	Value   any    `json:"value"`
}

type FormStatePayload struct {
	FormID   string         `json:"formId"`
	Response map[string]any `json:"response"`
}

type PongPayload struct {
	Timestamp   int64  `json:"timestamp"`
	ActiveUsers int    `json:"activeUsers"`
	ActiveLocks int    `json:"activeLocks"`
	CacheStatus bool   `json:"cacheStatus"`
	Storage     string `json:"storage"`
}

type ErrorPayload struct {
	Event   string `json:"event"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
