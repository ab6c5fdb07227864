package feed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
)

// ---------- Test/mock transport (handy for integration tests & demos) ----------

// MockTransport replays scripted inbound frames and records outbound ones.
type MockTransport struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	sent    [][]byte
	eof     bool
	SendErr error
	OnSend  func(frame []byte)
}

// NewMockTransport returns a transport preloaded with frames.
func NewMockTransport(frames ...string) *MockTransport {
	m := &MockTransport{
		in:     make(chan []byte, 256),
		closed: make(chan struct{}),
	}
	m.Push(frames...)
	return m
}

// Push queues more inbound frames.
func (m *MockTransport) Push(frames ...string) {
	for _, f := range frames {
		m.in <- []byte(f)
	}
}

// EndAfterDrain makes Receive return io.EOF once queued frames are consumed,
// simulating the upstream closing the connection.
func (m *MockTransport) EndAfterDrain() *MockTransport {
	m.mu.Lock()
	m.eof = true
	m.mu.Unlock()
	return m
}

func (m *MockTransport) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.SendErr != nil {
		err := m.SendErr
		m.mu.Unlock()
		return err
	}
	m.sent = append(m.sent, b)
	hook := m.OnSend
	m.mu.Unlock()
	if hook != nil {
		hook(b)
	}
	return nil
}

func (m *MockTransport) Receive() ([]byte, error) {
	select {
	case <-m.closed:
		return nil, net.ErrClosed
	case b := <-m.in:
		return b, nil
	default:
	}
	m.mu.Lock()
	eof := m.eof
	m.mu.Unlock()
	if eof {
		return nil, io.EOF
	}
	select {
	case <-m.closed:
		return nil, net.ErrClosed
	case b := <-m.in:
		return b, nil
	}
}

func (m *MockTransport) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// Sent returns a copy of every outbound frame.
func (m *MockTransport) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	for i, b := range m.sent {
		out[i] = string(b)
	}
	return out
}

// Closed reports whether Close was called.
func (m *MockTransport) Closed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// DialResult is one scripted outcome of MockDialer.Dial.
type DialResult struct {
	Transport Transport
	Err       error
}

// MockDialer hands out scripted results in order and then fails.
type MockDialer struct {
	mu      sync.Mutex
	results []DialResult
	dials   int
}

func NewMockDialer(results ...DialResult) *MockDialer {
	return &MockDialer{results: results}
}

var errNoScript = errors.New("mock dialer: no scripted result")

func (d *MockDialer) Dial(ctx context.Context, _ string) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.results) == 0 {
		return nil, errNoScript
	}
	r := d.results[0]
	d.results = d.results[1:]
	return r.Transport, r.Err
}

// Dials returns how many times Dial was called.
func (d *MockDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}
