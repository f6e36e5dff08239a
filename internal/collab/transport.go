package collab

import "context"

// Transport delivers outbound events. Implementations must not block: a
// slow connection is the transport's problem, never the room's.
type Transport interface {
	JoinRoom(connID, formID string)
	LeaveRoom(connID, formID string)
	// Broadcast sends to every connection in the room except exceptConnID
	// (empty means nobody is excluded).
	Broadcast(formID, event string, payload any, exceptConnID string)
	Send(connID, event string, payload any)
}

// ResponseStore is the durable home of form responses.
type ResponseStore interface {
	GetResponse(ctx context.Context, formID string) (map[string]any, bool, error)
	PutResponse(ctx context.Context, formID string, response map[string]any) error
}

// LabelSource maps field ids to the labels that key stored responses.
type LabelSource interface {
	GetFieldLabel(ctx context.Context, fieldID string) (string, bool, error)
}
