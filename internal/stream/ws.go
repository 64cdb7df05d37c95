package stream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/codeharbor/codeharbor/internal/common/apperr"
	"github.com/codeharbor/codeharbor/internal/common/logger"
	"github.com/codeharbor/codeharbor/internal/session"
	"github.com/codeharbor/codeharbor/internal/session/models"
	"github.com/codeharbor/codeharbor/internal/user"
)

const (
	// authTimeout is how long a fresh connection has to present a token.
	authTimeout = 10 * time.Second

	// closeAuthFailed is sent when the handshake times out or the token is
	// rejected.
	closeAuthFailed = 4001

	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// clientFrame is any inbound WebSocket message.
type clientFrame struct {
	Type      string `json:"type"`
	Token     string `json:"token,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	After     int64  `json:"after,omitempty"`
}

// serverFrame is any outbound WebSocket message.
type serverFrame struct {
	Kind         string               `json:"kind"`
	SessionID    string               `json:"sessionId,omitempty"`
	Sequence     int64                `json:"sequence,omitempty"`
	Event        *models.SessionEvent `json:"event,omitempty"`
	LastSequence *int64               `json:"lastSequence,omitempty"`
}

// userFrame carries coarse status changes for any of the user's sessions.
type userFrame struct {
	Kind  string           `json:"kind"`
	Event models.UserEvent `json:"event"`
}

// WSHandler multiplexes session event streams over a single authenticated
// WebSocket connection.
type WSHandler struct {
	service *session.Service
	users   *user.Store
	logger  *logger.Logger
}

// NewWSHandler creates the handler.
func NewWSHandler(svc *session.Service, users *user.Store, log *logger.Logger) *WSHandler {
	return &WSHandler{
		service: svc,
		users:   users,
		logger:  log.WithFields(zap.String("component", "websocket")),
	}
}

// wsConn wraps one connection with a serialized writer and its subscriptions.
type wsConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]chan struct{} // sessionID → cancel signal
}

func (c *wsConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) writeControl(messageType int, data []byte) error {
	return c.conn.WriteControl(messageType, data, time.Now().Add(wsWriteTimeout))
}

// replaceSub registers a cancel channel for the session, tearing down any
// prior subscription for the same id.
func (c *wsConn) replaceSub(sessionID string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.subs[sessionID]; ok {
		close(prev)
	}
	done := make(chan struct{})
	c.subs[sessionID] = done
	return done
}

func (c *wsConn) dropSub(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.subs[sessionID]; ok {
		close(prev)
		delete(c.subs, sessionID)
	}
}

func (c *wsConn) dropAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, done := range c.subs {
		close(done)
		delete(c.subs, id)
	}
}

// Serve upgrades the request and runs the connection protocol: an auth frame
// within 10 seconds, then subscribe/unsubscribe frames.
func (h *WSHandler) Serve(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	wc := &wsConn{conn: conn, subs: make(map[string]chan struct{})}
	defer func() {
		wc.dropAll()
		_ = conn.Close()
	}()

	u, err := h.authenticate(c.Request.Context(), wc)
	if err != nil {
		msg := websocket.FormatCloseMessage(closeAuthFailed, "authentication failed")
		_ = wc.writeControl(websocket.CloseMessage, msg)
		return
	}

	if err := wc.writeJSON(serverFrame{Kind: "auth:ok"}); err != nil {
		return
	}

	// Every session the user owns reports status changes on this connection,
	// subscribed or not.
	unsubscribeUser := h.service.Bus().SubscribeUser(u.ID, func(event models.UserEvent) {
		if err := wc.writeJSON(userFrame{Kind: "user:event", Event: event}); err != nil {
			h.logger.Debug("failed to forward user event", zap.Error(err))
		}
	})
	defer unsubscribeUser()

	_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go h.pingLoop(wc, pingDone)

	for {
		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case "subscribe":
			h.subscribe(c.Request.Context(), wc, u, frame.SessionID, frame.After)
		case "unsubscribe":
			wc.dropSub(frame.SessionID)
		default:
			// Unknown frames are ignored.
		}
	}
}

func (h *WSHandler) authenticate(ctx context.Context, wc *wsConn) (*user.User, error) {
	_ = wc.conn.SetReadDeadline(time.Now().Add(authTimeout))
	defer func() { _ = wc.conn.SetReadDeadline(time.Time{}) }()

	var frame clientFrame
	if err := wc.conn.ReadJSON(&frame); err != nil {
		return nil, err
	}
	if frame.Type != "auth" || frame.Token == "" {
		return nil, apperr.E(apperr.KindUnauthorized, "expected auth frame")
	}
	return h.users.GetUserByToken(ctx, frame.Token)
}

func (h *WSHandler) pingLoop(wc *wsConn, done chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := wc.writeControl(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// subscribe starts a replay-then-live stream for one session. Sessions the
// caller does not own are dropped without a reply.
func (h *WSHandler) subscribe(ctx context.Context, wc *wsConn, u *user.User, sessionID string, after int64) {
	sess, err := h.service.Resolve(ctx, u.ID, sessionID)
	if err != nil {
		// Foreign or unknown session: no frames, no error.
		h.logger.Debug("dropping subscribe for inaccessible session",
			zap.String("session_id", sessionID), zap.String("user_id", u.ID))
		return
	}
	ref := sess.Ref()

	done := wc.replaceSub(sessionID)
	go h.streamSession(ctx, wc, ref, after, done)
}

func (h *WSHandler) streamSession(ctx context.Context, wc *wsConn, ref models.SessionRef, after int64, done chan struct{}) {
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

	history, err := h.service.Store().ListEvents(ctx, ref, after)
	if err != nil {
		h.logger.Warn("failed to list session events",
			zap.String("session_id", ref.SessionID), zap.Error(err))
		return
	}

	lastSequence := after
	for _, ev := range history {
		if !h.sendEvent(wc, ref.SessionID, ev) {
			return
		}
		lastSequence = ev.Sequence
	}

	if err := wc.writeJSON(serverFrame{Kind: "sync", SessionID: ref.SessionID, LastSequence: &lastSequence}); err != nil {
		return
	}

	// Drain what queued during replay, skipping already-replayed sequences.
	for {
		select {
		case ev := <-live:
			if ev.Sequence <= lastSequence {
				continue
			}
			if !h.sendEvent(wc, ref.SessionID, ev) {
				return
			}
			continue
		default:
		}
		break
	}

	for {
		select {
		case <-done:
			return
		case <-overflow:
			h.logger.Warn("websocket subscription fell behind, dropping",
				zap.String("session_id", ref.SessionID))
			return
		case ev := <-live:
			if !h.sendEvent(wc, ref.SessionID, ev) {
				return
			}
		}
	}
}

func (h *WSHandler) sendEvent(wc *wsConn, sessionID string, ev models.SequencedEvent) bool {
	event := ev.Event
	frame := serverFrame{
		Kind:      "session:event",
		SessionID: sessionID,
		Sequence:  ev.Sequence,
		Event:     &event,
	}
	if err := wc.writeJSON(frame); err != nil {
		return false
	}
	return true
}
