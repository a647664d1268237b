package handlers

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/trip-profile/internal/photo"
)

const (
	eventBuffer  = 32
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = pongTimeout * 9 / 10
)

// Event stream message types.
const (
	MsgTypeSnapshot = "snapshot"
	MsgTypePhase    = "phase"
	MsgTypeError    = "error"
	MsgTypeClosed   = "closed"
)

type eventMessage struct {
	Type      string       `json:"type"`
	From      string       `json:"from,omitempty"`
	To        string       `json:"to,omitempty"`
	Error     string       `json:"error,omitempty"`
	ErrorKind string       `json:"error_kind,omitempty"`
	At        time.Time    `json:"at"`
	Session   *sessionView `json:"session,omitempty"`
}

func messageFor(ev photo.Event) eventMessage {
	msg := eventMessage{Type: MsgTypePhase, From: ev.From.Name(), To: ev.To.Name(), At: ev.At}
	if ev.Err != nil {
		msg.Error = photo.UserMessage(ev.Err)
		msg.ErrorKind = photo.KindOf(ev.Err).String()
		if ev.From.Name() == ev.To.Name() {
			msg.Type = MsgTypeError
		}
	}
	return msg
}

// events streams phase changes of one session until either side goes away.
func (h *handler) events(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("session_id", s.ID), zap.Error(err))
		return
	}
	defer conn.Close()

	queue := make(chan photo.Event, eventBuffer)
	remove := s.Pipeline.AddListener(func(ev photo.Event) {
		select {
		case queue <- ev:
		default:
			h.logger.Warn("dropping photo event for slow client", zap.String("session_id", s.ID))
		}
	})
	defer remove()

	// The client sends nothing; reading only surfaces close frames and pongs.
	gone := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debug("websocket read ended", zap.String("session_id", s.ID), zap.Error(err))
				}
				return
			}
		}
	}()

	view := viewOf(s)
	if !h.write(conn, eventMessage{Type: MsgTypeSnapshot, At: time.Now().UTC(), Session: &view}) {
		return
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case ev := <-queue:
			if !h.write(conn, messageFor(ev)) {
				return
			}
		case <-s.Done():
			h.drain(conn, queue)
			h.write(conn, eventMessage{Type: MsgTypeClosed, At: time.Now().UTC()})
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
				time.Now().Add(writeTimeout))
			return
		case <-gone:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *handler) drain(conn *websocket.Conn, queue <-chan photo.Event) {
	for {
		select {
		case ev := <-queue:
			if !h.write(conn, messageFor(ev)) {
				return
			}
		default:
			return
		}
	}
}

func (h *handler) write(conn *websocket.Conn, msg eventMessage) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		h.logger.Debug("websocket write failed", zap.Error(err))
		return false
	}
	return true
}
