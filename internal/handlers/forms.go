package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/formsync/formsync/internal/collab"
	"github.com/formsync/formsync/pkg/errors"
	"github.com/formsync/formsync/pkg/response"
)

// FormInspector is the part of the collaboration engine the REST API reads.
type FormInspector interface {
	Presence(formID string) (collab.Presence, bool)
	Activity(formID string) ([]collab.ActivityEvent, bool)
	FlushForm(ctx context.Context, formID string) error
	Stats() collab.Stats
}

// FormsHandler exposes read-only views of live rooms and a manual flush.
type FormsHandler struct {
	engine       FormInspector
	flushTimeout time.Duration
}

// NewFormsHandler constructs a forms handler. Flushes are bounded by
// flushTimeout when it is positive.
func NewFormsHandler(engine FormInspector, flushTimeout time.Duration) *FormsHandler {
	return &FormsHandler{engine: engine, flushTimeout: flushTimeout}
}

// Presence returns the members and held locks of a live form room.
func (h *FormsHandler) Presence(c *gin.Context) {
	formID, ok := formParam(c)
	if !ok {
		return
	}
	presence, found := h.engine.Presence(formID)
	if !found {
		response.Error(c, errors.ErrFormNotFound)
		return
	}
	response.Success(c, http.StatusOK, presence)
}

// Activity returns the recent activity of a live form room, newest first.
func (h *FormsHandler) Activity(c *gin.Context) {
	formID, ok := formParam(c)
	if !ok {
		return
	}
	events, found := h.engine.Activity(formID)
	if !found {
		response.Error(c, errors.ErrFormNotFound)
		return
	}
	if events == nil {
		events = []collab.ActivityEvent{}
	}
	response.Success(c, http.StatusOK, gin.H{
		"formId": formID,
		"events": events,
	})
}

// Flush writes the cached response of a form to the durable store.
func (h *FormsHandler) Flush(c *gin.Context) {
	formID, ok := formParam(c)
	if !ok {
		return
	}

	ctx := requestContext(c)
	if h.flushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.flushTimeout)
		defer cancel()
	}

	if err := h.engine.FlushForm(ctx, formID); err != nil {
		appErr := errors.FromError(err)
		if appErr.Code == errors.ErrFormNotFound.Code {
			response.Error(c, appErr)
			return
		}
		response.Error(c, errors.ErrPersistence.WithInternal(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"formId": formID, "flushed": true})
}

// Stats returns engine-wide counters.
func (h *FormsHandler) Stats(c *gin.Context) {
	response.Success(c, http.StatusOK, h.engine.Stats())
}

func formParam(c *gin.Context) (string, bool) {
	formID := strings.TrimSpace(c.Param("formID"))
	if formID == "" {
		response.Error(c, errors.NewBadRequest("form id is required"))
		return "", false
	}
	return formID, true
}
