package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxWSMessageSize = 64 * 1024
	pongWait         = 60 * time.Second
	pingPeriod       = 30 * time.Second
	writeWait        = 10 * time.Second
)

// WSConn adapts a gorilla websocket to Conn with a read pump and a write pump.
type WSConn struct {
	conn   *websocket.Conn
	in     chan Message
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func NewWSConn(c *websocket.Conn, logger *slog.Logger) *WSConn {
	if logger == nil {
		logger = slog.Default()
	}
	w := &WSConn{
		conn:   c,
		in:     make(chan Message, pipeBuffer),
		send:   make(chan []byte, pipeBuffer),
		done:   make(chan struct{}),
		logger: logger,
	}
	go w.readPump()
	go w.writePump()
	return w
}

// DialWS connects to a bridge endpoint such as ws://localhost:8080/ws.
func DialWS(ctx context.Context, rawURL string, header http.Header, logger *slog.Logger) (*WSConn, error) {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, header)
	if err != nil {
		return nil, err
	}
	return NewWSConn(c, logger), nil
}

func (w *WSConn) readPump() {
	defer w.Close()

	w.conn.SetReadLimit(maxWSMessageSize)
	_ = w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		_ = w.conn.SetReadDeadline(time.Now().Add(pongWait))

		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			w.logger.Debug("dropping malformed bridge frame", "error", err)
			continue
		}
		select {
		case w.in <- m:
		case <-w.done:
			return
		}
	}
}

func (w *WSConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = w.conn.Close()
	}()

	for {
		select {
		case data := <-w.send:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				w.Close()
				return
			}
		case <-ticker.C:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				w.Close()
				return
			}
		case <-w.done:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = w.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (w *WSConn) Read(ctx context.Context) (Message, error) {
	select {
	case m := <-w.in:
		return m, nil
	default:
	}
	select {
	case m := <-w.in:
		return m, nil
	case <-w.done:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (w *WSConn) Write(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-w.done:
		return ErrClosed
	default:
	}
	select {
	case w.send <- data:
		return nil
	case <-w.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *WSConn) Close() error {
	w.once.Do(func() { close(w.done) })
	return nil
}

// Origins is the allowed origin set for page connections. "*" matches any.
type Origins []string

func ParseOrigins(csv string) Origins {
	var out Origins
	for _, o := range strings.Split(csv, ",") {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Allowed reports whether origin may attach. An empty set allows nothing;
// use NewUpgrader's same-host fallback for that case.
func (o Origins) Allowed(origin string) bool {
	origin = strings.TrimRight(origin, "/")
	for _, a := range o {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

// NewUpgrader checks the Origin header against allowed; with no configured
// origins it falls back to same-host only.
func NewUpgrader(allowed Origins) *websocket.Upgrader {
	u := &websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096}
	if len(allowed) == 0 {
		return u
	}
	u.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, err := url.Parse(origin); err != nil {
			return false
		}
		return allowed.Allowed(origin)
	}
	return u
}
