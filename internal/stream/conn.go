package stream

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultHandshakeTimeout bounds the websocket opening handshake.
const DefaultHandshakeTimeout = 10 * time.Second

// closeGrace bounds the close frame write when a connection is dropped.
const closeGrace = time.Second

// Dialer opens stream connections. It exists so tests can substitute an
// in-memory transport.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// Conn is one open stream connection.
type Conn interface {
	// ReadMessage blocks until the next frame arrives or the connection
	// fails. After Close it returns an error.
	ReadMessage() ([]byte, error)
	// Close closes the connection. It is safe to call concurrently with
	// ReadMessage and more than once.
	Close() error
}

// WebsocketDialer dials the stream over a gorilla websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration // defaults to DefaultHandshakeTimeout
	Header           http.Header
}

// Dial implements Dialer.
func (d WebsocketDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	c, resp, err := dialer.DialContext(ctx, addr, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("stream: dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("stream: dial: %w", err)
	}
	return &wsConn{conn: c}, nil
}

// wsConn adapts *websocket.Conn to Conn.
type wsConn struct {
	conn *websocket.Conn
	once sync.Once
	err  error
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (w *wsConn) Close() error {
	w.once.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		w.err = w.conn.Close()
	})
	return w.err
}

// IsNormalClose reports whether err is the peer closing the stream cleanly.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
