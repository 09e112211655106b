package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/telesyncapp/telesync/internal/auth"
	"github.com/telesyncapp/telesync/internal/event"
)

// writeWait bounds how long a single frame write may block on a slow client.
const writeWait = 10 * time.Second

// StreamHandler serves /ws, pushing the authenticated user's lifecycle
// events over a WebSocket. The subscription is scoped to the token's user;
// no other user's events ever reach the connection.
type StreamHandler struct {
	hub      event.Subscriber
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// clientFrame is the only client message shape the server reads.
type clientFrame struct {
	Type string `json:"type"`
}

// NewStreamHandler creates a stream handler.
// Origin checks are skipped: the JWT query token is the access control.
func NewStreamHandler(log *slog.Logger, hub event.Subscriber) *StreamHandler {
	return &StreamHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: log.With(slog.String("handler", "stream")),
	}
}

// Register mounts GET /ws on the Echo instance.
func (h *StreamHandler) Register(e *echo.Echo) {
	e.GET("/ws", h.Stream)
}

// Stream godoc
// @Summary Subscribe to lifecycle events
// @Description Upgrade to a WebSocket carrying the caller's channel and download events as JSON; client {"type":"ping"} frames are answered with {"type":"pong"}
// @Tags stream
// @Success 101 "Switching Protocols"
// @Router /ws [get]
func (h *StreamHandler) Stream(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	streamID, events, cancel := h.hub.Subscribe(userID, event.DefaultBufferSize)
	defer cancel()
	h.logger.Debug("stream opened",
		slog.String("user_id", userID),
		slog.String("stream_id", streamID))

	// Reader: pings come from the client; everything else is ignored.
	// A read error means the client went away.
	pings := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame clientFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			if frame.Type == "ping" {
				select {
				case pings <- struct{}{}:
				default:
				}
			}
		}
	}()

	ctx := c.Request().Context()
	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return nil
		case <-pings:
			if err := h.write(conn, map[string]string{"type": "pong"}); err != nil {
				return nil
			}
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := h.write(conn, ev); err != nil {
				return nil
			}
		}
	}
}

func (h *StreamHandler) write(conn *websocket.Conn, payload any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(payload)
}
