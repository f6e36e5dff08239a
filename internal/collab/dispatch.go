package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/formsync/formsync/pkg/metrics"
	"github.com/formsync/formsync/pkg/validator"

	apperrors "github.com/formsync/formsync/pkg/errors"
)

// HandleEvent decodes one inbound event and applies it. Failures are
// reported to the sender as an "error" event and never reach the room.
func (m *Manager) HandleEvent(ctx context.Context, connID, event string, data json.RawMessage) {
	label := eventLabel(event)

	defer func() {
		if r := recover(); r != nil {
			metrics.InboundEvents.WithLabelValues(label, "error").Inc()
			m.log.Error("panic while handling event",
				zap.String("event", event),
				zap.String("connection_id", connID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()

	err := m.dispatch(ctx, connID, event, data)
	if err == nil {
		metrics.InboundEvents.WithLabelValues(label, "ok").Inc()
		return
	}

	appErr := apperrors.FromError(err)
	result := "invalid"
	if appErr.StatusCode >= 500 {
		result = "error"
		m.log.Error("event failed", zap.String("event", event), zap.String("connection_id", connID), zap.Error(err))
	}
	metrics.InboundEvents.WithLabelValues(label, result).Inc()

	m.transport.Send(connID, EventError, ErrorPayload{
		Event:   event,
		Code:    appErr.Code,
		Message: appErr.Message,
	})
}

// HandleDisconnect is called by the transport once per closed connection.
func (m *Manager) HandleDisconnect(connID string) {
	m.Disconnect(connID)
}

func (m *Manager) dispatch(ctx context.Context, connID, event string, data json.RawMessage) error {
	switch event {
	case EventJoinForm:
		req, err := decode[JoinFormRequest](data)
		if err != nil {
			return err
		}
		m.Join(connID, req)
	case EventLeaveForm:
		req, err := decode[LeaveFormRequest](data)
		if err != nil {
			return err
		}
		m.Leave(connID, req)
	case EventFieldLock:
		req, err := decode[FieldLockRequest](data)
		if err != nil {
			return err
		}
		m.Lock(ctx, connID, req)
	case EventFieldUnlock:
		req, err := decode[FieldUnlockRequest](data)
		if err != nil {
			return err
		}
		m.Unlock(connID, req)
	case EventFieldChange:
		req, err := decode[FieldChangeRequest](data)
		if err != nil {
			return err
		}
		m.Commit(ctx, connID, req)
	case EventPing:
		var req PingRequest
		if len(bytes.TrimSpace(data)) > 0 {
			if err := json.Unmarshal(data, &req); err != nil {
				return apperrors.ErrInvalidPayload.WithInternal(err)
			}
		}
		m.Ping(connID, req)
	default:
		return apperrors.ErrUnknownEvent.WithMessage("Event " + event + " is not supported")
	}
	return nil
}

func decode[T any](data json.RawMessage) (T, error) {
	var req T
	if len(bytes.TrimSpace(data)) == 0 {
		return req, apperrors.ErrInvalidPayload.WithMessage("Event payload is required")
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, apperrors.ErrInvalidPayload.WithInternal(err)
	}
	if err := validator.ValidateStruct(req); err != nil {
		return req, apperrors.ErrInvalidPayload.WithMessage(err.Error())
	}
	return req, nil
}

func eventLabel(event string) string {
	switch event {
	case EventJoinForm, EventLeaveForm, EventFieldLock, EventFieldUnlock, EventFieldChange, EventPing:
		return event
	default:
		return "unknown"
	}
}
