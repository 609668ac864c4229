package live

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// ServeWS upgrades the request and streams session events to the client
// until either side closes. Events after since are replayed first when still
// buffered; since < 0 starts from the latest event.
func ServeWS(hub *Hub, log *zap.Logger, w http.ResponseWriter, r *http.Request, session string, since int64) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	var sub *Subscription
	if since < 0 {
		sub = hub.SubscribeLatest(session)
	} else {
		sub = hub.Subscribe(session, uint64(since))
	}
	defer sub.Close()
	log = log.With(zap.String("session", sub.Session()))
	log.Debug("live viewer attached", zap.Int64("since", since))
	defer log.Debug("live viewer detached")

	done := make(chan struct{})
	go readPump(conn, done)
	writePump(conn, sub, done, log)
}

// readPump discards client messages and keeps the pong deadline fresh.
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writePump(conn *websocket.Conn, sub *Subscription, done <-chan struct{}, log *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := Encode(ev)
			if err != nil {
				log.Warn("encode live event", zap.Error(err))
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Conn is a client connection to a session's live channel.
type Conn struct {
	ws *websocket.Conn
}

// Dial connects to a live endpoint such as ws://host/sessions/S1/live.
func Dial(ctx context.Context, url string) (*Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Conn{ws: ws}, nil
}

// Next blocks for the next event. Malformed messages are returned with an
// error wrapping ErrMalformedEvent so callers can skip them; other errors
// come from the connection (see IsClosed).
func (c *Conn) Next() (Event, error) {
	for {
		kind, payload, err := c.ws.ReadMessage()
		if err != nil {
			return Event{}, err
		}
		if kind != websocket.TextMessage {
			continue
		}
		return Decode(payload)
	}
}

// Close sends a close frame and releases the connection.
func (c *Conn) Close() error {
	err := c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	if cerr := c.ws.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

// IsClosed reports whether err signals a normally closed connection.
func IsClosed(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
