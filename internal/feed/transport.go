package feed

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is one open stream connection.
type Transport interface {
	// Send writes v as a JSON text frame.
	Send(v any) error
	// Receive blocks for the next data frame.
	Receive() ([]byte, error)
	// Close is idempotent and unblocks a pending Receive.
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

const (
	defaultPingInterval = 25 * time.Second
	defaultIdleTimeout  = 60 * time.Second
	writeWait           = 5 * time.Second
	readLimit           = 1 << 20
)

// WSDialer dials websocket transports with keepalive pings.
type WSDialer struct {
	Header       http.Header
	PingInterval time.Duration
	IdleTimeout  time.Duration
	HandshakeTO  time.Duration
}

func (d WSDialer) Dial(ctx context.Context, url string) (Transport, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTO,
	}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = 15 * time.Second
	}
	conn, _, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		return nil, err
	}

	t := &wsTransport{
		conn: conn,
		idle: d.IdleTimeout,
		done: make(chan struct{}),
	}
	if t.idle <= 0 {
		t.idle = defaultIdleTimeout
	}
	ping := d.PingInterval
	if ping <= 0 {
		ping = defaultPingInterval
	}

	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(t.idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(t.idle))
	})
	go t.keepalive(ping)
	return t, nil
}

type wsTransport struct {
	conn *websocket.Conn
	idle time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (t *wsTransport) keepalive(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (t *wsTransport) Send(v any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) Receive() ([]byte, error) {
	for {
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		_ = t.conn.SetReadDeadline(time.Now().Add(t.idle))
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}
