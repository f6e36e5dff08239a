package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/formsync/formsync/internal/realtime"
	"github.com/formsync/formsync/pkg/errors"
	"github.com/formsync/formsync/pkg/response"
)

// CollabHandler upgrades HTTP requests into collaboration websocket
// connections.
type CollabHandler struct {
	hub     *realtime.Hub
	handler realtime.Handler
}

// NewCollabHandler wires the websocket hub to the event handler.
func NewCollabHandler(hub *realtime.Hub, handler realtime.Handler) *CollabHandler {
	return &CollabHandler{hub: hub, handler: handler}
}

// Stream serves one websocket connection until the client goes away.
func (h *CollabHandler) Stream(c *gin.Context) {
	if h == nil || h.hub == nil || h.handler == nil {
		response.Error(c, errors.ErrServiceUnavailable)
		return
	}
	if c.Request.Method != http.MethodGet {
		response.Error(c, errors.NewBadRequest("websocket upgrade requires GET"))
		return
	}
	h.hub.Serve(h.handler, c.Writer, c.Request)
}
