// Package stream serves live session data over SSE and exposes the shared
// frame encoding the WebSocket gateway reuses.
package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/codeharbor/codeharbor/internal/common/logger"
	"github.com/codeharbor/codeharbor/internal/session"
	"github.com/codeharbor/codeharbor/internal/session/models"
	"github.com/codeharbor/codeharbor/internal/user"
)

const (
	// liveBufferSize bounds events queued while history replays and during
	// slow client writes. Overflow terminates the stream; the client
	// reconnects with ?after= and recovers from the log.
	liveBufferSize = 1024

	keepaliveInterval = 15 * time.Second
)

// SSEHandler serves the session event stream and the per-user status stream.
type SSEHandler struct {
	service *session.Service
	logger  *logger.Logger
}

// NewSSEHandler creates the handler.
func NewSSEHandler(svc *session.Service, log *logger.Logger) *SSEHandler {
	return &SSEHandler{
		service: svc,
		logger:  log.WithFields(zap.String("component", "sse")),
	}
}

func sseHeaders(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()
}

func writeEventFrame(c *gin.Context, seq int64, event models.SessionEvent) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.Writer, "id: %d\nevent: %s\ndata: %s\n\n", seq, event.Type, data)
	if err == nil {
		c.Writer.Flush()
	}
	return err
}

func writeSyncFrame(c *gin.Context, lastSequence int64) error {
	_, err := fmt.Fprintf(c.Writer, "event: sync\ndata: {\"lastSequence\": %d}\n\n", lastSequence)
	if err == nil {
		c.Writer.Flush()
	}
	return err
}

// SessionEvents streams a session's events: history after ?after= first, then
// a sync frame carrying the last replayed sequence, then live pass-through.
// Events arriving while history replays are buffered and flushed after the
// sync frame, dropping anything already covered by the replay.
func (h *SSEHandler) SessionEvents(c *gin.Context) {
	u := c.MustGet("user").(*user.User)
	sess, err := h.service.Resolve(c.Request.Context(), u.ID, c.Param("sessionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	ref := sess.Ref()

	after := int64(0)
	if raw := c.Query("after"); raw != "" {
		after, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || after < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid after parameter"})
			return
		}
	}

	// Subscribe before reading history so no event falls between the two.
	live := make(chan models.SequencedEvent, liveBufferSize)
	overflow := make(chan struct{})
	unsubscribe := h.service.Bus().Subscribe(ref, func(event models.SessionEvent, seq int64) {
		select {
		case live <- models.SequencedEvent{Sequence: seq, Event: event}:
		default:
			select {
			case <-overflow:
			default:
				close(overflow)
			}
		}
	})
	defer unsubscribe()

	history, err := h.service.Store().ListEvents(c.Request.Context(), ref, after)
	if err != nil {
		respondError(c, err)
		return
	}

	sseHeaders(c)

	lastSequence := after
	for _, ev := range history {
		if err := writeEventFrame(c, ev.Sequence, ev.Event); err != nil {
			return
		}
		lastSequence = ev.Sequence
	}

	if err := writeSyncFrame(c, lastSequence); err != nil {
		return
	}

	// Flush what queued during the replay, skipping events the history
	// already covered.
	for {
		select {
		case ev := <-live:
			if ev.Sequence <= lastSequence {
				continue
			}
			if err := writeEventFrame(c, ev.Sequence, ev.Event); err != nil {
				return
			}
			continue
		default:
		}
		break
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-overflow:
			h.logger.Warn("sse stream fell behind, closing",
				zap.String("session_id", ref.SessionID))
			return
		case ev := <-live:
			if err := writeEventFrame(c, ev.Sequence, ev.Event); err != nil {
				return
			}
		case <-keepalive.C:
			if _, err := fmt.Fprint(c.Writer, ": keepalive\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

// UserEvents streams coarse status changes for all of the caller's sessions.
// No history; the stream starts at the present.
func (h *SSEHandler) UserEvents(c *gin.Context) {
	u := c.MustGet("user").(*user.User)

	live := make(chan models.UserEvent, liveBufferSize)
	unsubscribe := h.service.Bus().SubscribeUser(u.ID, func(event models.UserEvent) {
		select {
		case live <- event:
		default:
		}
	})
	defer unsubscribe()

	sseHeaders(c)

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-live:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(c.Writer, "event: session:status\ndata: %s\n\n", data); err != nil {
				return
			}
			c.Writer.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprint(c.Writer, ": keepalive\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}
