package connection

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsTransport is one accepted websocket connection.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *slog.Logger

	// Write serialization
	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

func newWSTransport(conn *websocket.Conn, writeTimeout time.Duration, logger *slog.Logger) *wsTransport {
	return &wsTransport{
		conn:         conn,
		writeTimeout: writeTimeout,
		logger:       logger,
		done:         make(chan struct{}),
	}
}

// SendText writes one text message.
func (t *wsTransport) SendText(text string) error {
	select {
	case <-t.done:
		return ErrAlreadyClosed
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

// Close sends a normal close frame and closes the socket. Safe to call twice.
func (t *wsTransport) Close() error {
	err := ErrAlreadyClosed
	t.closeOnce.Do(func() {
		close(t.done)

		t.writeMu.Lock()
		t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		t.writeMu.Unlock()

		err = t.conn.Close()
	})
	if err == ErrAlreadyClosed {
		return nil
	}
	return err
}

// readLoop delivers frames to onFrame in arrival order until the socket
// fails or closes. Pongs push the read deadline forward.
func (t *wsTransport) readLoop(pingInterval time.Duration, onFrame func(Frame)) {
	idle := 2 * pingInterval
	t.conn.SetReadDeadline(time.Now().Add(idle))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					t.logger.Debug("websocket read failed", "error", err)
				}
			}
			return
		}

		t.conn.SetReadDeadline(time.Now().Add(idle))

		switch mt {
		case websocket.TextMessage:
			onFrame(Frame{Type: FrameText, Data: data})
		default:
			onFrame(Frame{Type: FrameBinary, Data: data})
		}
	}
}

// heartbeatLoop pings the client until the transport closes.
func (t *wsTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := t.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(t.writeTimeout))
			t.writeMu.Unlock()
			if err != nil {
				t.logger.Debug("failed to send ping", "error", err)
				return
			}
		}
	}
}
