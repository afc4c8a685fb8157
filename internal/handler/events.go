package handler

import (
	"net/http"
	"time"

	"github.com/fslongjin/sandboxd/internal/lifecycle"
	"github.com/fslongjin/sandboxd/internal/logx"
	"github.com/fslongjin/sandboxd/pkg/model"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	eventBuffer    = 64
	eventWriteWait = 10 * time.Second
	eventPingEvery = 30 * time.Second
)

// EventSource publishes lifecycle transitions.
type EventSource interface {
	Subscribe(buffer int) (<-chan model.StatusTransition, func())
}

type EventsHandler struct {
	events     EventSource
	drainState *lifecycle.DrainManager
	upgrader   websocket.Upgrader
}

func NewEventsHandler(events EventSource, drainState *lifecycle.DrainManager) *EventsHandler {
	if drainState == nil {
		drainState = lifecycle.NewDrainManager()
	}
	return &EventsHandler{
		events:     events,
		drainState: drainState,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (h *EventsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/events", h.Stream)
}

// Stream sends every lifecycle transition as a JSON text frame, optionally
// filtered by ?sandbox_id=.
func (h *EventsHandler) Stream(c *gin.Context) {
	if h.drainState.IsDraining() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is draining"})
		return
	}
	logger := logx.LoggerWithRequestID(c.Request.Context()).With("component", "events")
	filter := c.Query("sandbox_id")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("failed to upgrade event stream", "error", err)
		return
	}
	defer conn.Close()

	release := h.drainState.TrackStream()
	defer release()
	ch, cancel := h.events.Subscribe(eventBuffer)
	defer cancel()

	// Client frames are discarded; a read error means the peer went away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingEvery)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if filter != "" && ev.SandboxID != filter {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				logger.Debug("event stream closed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteWait)); err != nil {
				return
			}
		case <-h.drainState.Draining():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(eventWriteWait))
			return
		case <-gone:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
