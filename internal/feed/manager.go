// Package feed owns the streaming market-data connection: dial, authenticate,
// subscribe, read, and reconnect within a bounded budget.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pivotwatch/internal/marketdata"
	"pivotwatch/internal/metrics"
)

const (
	DefaultMaxAttempts    = 5
	DefaultReconnectDelay = 30 * time.Second
	DefaultAuthTimeout    = 10 * time.Second
)

// Sink receives observations. Submit must not block.
type Sink interface {
	Submit(obs marketdata.Observation) bool
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(marketdata.Observation) bool

func (f SinkFunc) Submit(obs marketdata.Observation) bool { return f(obs) }

type Config struct {
	URL            string
	Key            string
	Secret         string
	Symbols        []string
	Channels       []string // "quotes", "trades"
	MaxAttempts    int
	ReconnectDelay time.Duration
	AuthTimeout    time.Duration
}

// Status is a point-in-time view of the connection.
type Status struct {
	State       State     `json:"state"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	Since       time.Time `json:"since"`
	LastError   string    `json:"last_error,omitempty"`
}

// Manager runs the stream session loop. Only the goroutine in Run mutates
// the failure counter; readers see it through Status.
type Manager struct {
	cfg    Config
	dialer Dialer
	sink   Sink
	log    *slog.Logger
	policy retryPolicy

	symbols map[string]struct{}

	mu        sync.RWMutex
	state     State
	since     time.Time
	lastErr   string
	onStatus  func(Status)
	failures  int
	published atomic.Int64

	now func() time.Time
}

func NewManager(cfg Config, dialer Dialer, sink Sink, logger *slog.Logger) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = []string{"quotes"}
	}
	cfg.Symbols = marketdata.NormalizeSymbols(cfg.Symbols)
	set := make(map[string]struct{}, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		set[s] = struct{}{}
	}
	return &Manager{
		cfg:     cfg,
		dialer:  dialer,
		sink:    sink,
		log:     logger,
		policy:  retryPolicy{maxAttempts: cfg.MaxAttempts},
		symbols: set,
		state:   Disconnected,
		since:   time.Now(),
		now:     time.Now,
	}
}

// OnStatus registers a callback invoked after every state change.
// It runs on the manager goroutine and must not block.
func (m *Manager) OnStatus(fn func(Status)) {
	m.mu.Lock()
	m.onStatus = fn
	m.mu.Unlock()
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Attempts is the current count of consecutive failed sessions.
func (m *Manager) Attempts() int { return int(m.published.Load()) }

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		State:       m.state,
		Attempts:    m.Attempts(),
		MaxAttempts: m.cfg.MaxAttempts,
		Since:       m.since,
		LastError:   m.lastErr,
	}
}

// Run connects and keeps the stream alive until ctx is cancelled (returns nil)
// or MaxAttempts consecutive sessions fail (returns ErrDegraded). A session
// that reaches Subscribed resets the failure count.
func (m *Manager) Run(ctx context.Context) error {
	for {
		err := m.session(ctx)
		if ctx.Err() != nil {
			m.fire(EventStop, nil)
			m.log.Info("stream stopped")
			return nil
		}

		m.failures++
		m.published.Store(int64(m.failures))
		metrics.FeedReconnects.Inc()
		m.fire(EventFailed, err)

		if !m.policy.retry(m.failures) {
			m.fire(EventExhausted, err)
			m.log.Error("stream reconnect budget exhausted; restart required",
				slog.Int("attempts", m.failures),
				slog.String("err", err.Error()),
			)
			return fmt.Errorf("%w after %d attempts: %w", ErrDegraded, m.failures, err)
		}

		m.log.Warn("stream session ended; reconnecting",
			slog.Int("attempt", m.failures),
			slog.Int("max", m.cfg.MaxAttempts),
			slog.Duration("delay", m.cfg.ReconnectDelay),
			slog.String("err", err.Error()),
		)

		timer := time.NewTimer(m.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.fire(EventStop, nil)
			m.log.Info("stream stopped")
			return nil
		case <-timer.C:
		}
	}
}

// session runs one connection from dial to failure.
func (m *Manager) session(ctx context.Context) error {
	m.fire(EventDial, nil)

	t, err := m.dialer.Dial(ctx, m.cfg.URL)
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessCtx.Done()
		_ = t.Close()
	}()

	if err := m.authenticate(t); err != nil {
		return err
	}
	m.fire(EventAuthenticated, nil)

	if err := m.subscribe(t); err != nil {
		return err
	}
	m.failures = 0
	m.published.Store(0)
	m.fire(EventSubscribed, nil)
	m.log.Info("stream subscribed",
		slog.Int("symbols", len(m.cfg.Symbols)),
		slog.Any("channels", m.cfg.Channels),
	)

	return m.readLoop(t)
}

func (m *Manager) authenticate(t Transport) error {
	timer := time.AfterFunc(m.cfg.AuthTimeout, func() { _ = t.Close() })
	defer timer.Stop()

	if err := t.Send(newAuthFrame(m.cfg.Key, m.cfg.Secret)); err != nil {
		return &TransportError{Op: "auth", Err: err}
	}
	for {
		data, err := t.Receive()
		if err != nil {
			return &TransportError{Op: "auth", Err: err}
		}
		msgs, err := Decode(data)
		if err != nil {
			m.malformed(err)
		}
		for _, msg := range msgs {
			switch msg.Type {
			case TypeSuccess:
				if msg.Msg == msgAuthenticated {
					return nil
				}
				m.log.Debug("stream control", slog.String("msg", msg.Msg))
			case TypeError:
				return &TransportError{Op: "auth", Err: fmt.Errorf("%w: code %d: %s", ErrAuthRejected, msg.Code, msg.Msg)}
			}
		}
	}
}

func (m *Manager) subscribe(t Transport) error {
	for _, sym := range m.cfg.Symbols {
		for _, ch := range m.cfg.Channels {
			if err := t.Send(newSubscribeFrame(ch, sym)); err != nil {
				return &TransportError{Op: "subscribe " + sym, Err: err}
			}
		}
	}
	return nil
}

func (m *Manager) readLoop(t Transport) error {
	for {
		data, err := t.Receive()
		if err != nil {
			return &TransportError{Op: "read", Err: err}
		}
		m.dispatch(data)
	}
}

// dispatch decodes one payload and hands price events to the sink.
// Nothing here blocks on downstream work.
func (m *Manager) dispatch(data []byte) {
	msgs, err := Decode(data)
	if err != nil {
		m.malformed(err)
	}
	now := m.now()
	for _, msg := range msgs {
		switch msg.Type {
		case TypeQuote, TypeTrade:
			obs, ok := msg.Observation(now)
			if !ok {
				continue
			}
			if _, tracked := m.symbols[obs.Symbol]; !tracked {
				continue
			}
			metrics.FeedMessages.WithLabelValues(msg.Type).Inc()
			m.sink.Submit(obs)
		case TypeError:
			m.log.Warn("stream error message", slog.Int("code", msg.Code), slog.String("msg", msg.Msg))
		case TypeSubscription, TypeSuccess:
			m.log.Debug("stream control", slog.String("type", msg.Type), slog.String("msg", msg.Msg))
		}
	}
}

// malformed counts and logs each dropped payload or batch element.
func (m *Manager) malformed(err error) {
	parts := malformedParts(err)
	if len(parts) == 0 {
		metrics.FeedMalformed.Inc()
		m.log.Warn("dropping malformed stream payload", slog.String("err", err.Error()))
		return
	}
	for _, me := range parts {
		metrics.FeedMalformed.Inc()
		m.log.Warn("dropping malformed stream payload",
			slog.String("payload", me.Payload),
			slog.String("err", me.Err.Error()),
		)
	}
}

// fire applies an event, records it and notifies the status callback.
func (m *Manager) fire(e Event, cause error) {
	m.mu.Lock()
	next, err := m.state.Next(e)
	if err != nil {
		m.mu.Unlock()
		m.log.Debug("ignored stream transition", slog.String("err", err.Error()))
		return
	}
	changed := next != m.state
	m.state = next
	if changed {
		m.since = m.now()
	}
	if cause != nil {
		m.lastErr = cause.Error()
	} else if next == Subscribed {
		m.lastErr = ""
	}
	cb := m.onStatus
	m.mu.Unlock()

	metrics.FeedState.Set(float64(next))
	m.log.Debug("stream state", slog.String("state", next.String()), slog.String("event", e.String()))
	if cb != nil {
		cb(m.Status())
	}
}

// Symbols returns the subscribed symbol list.
func (m *Manager) Symbols() []string {
	out := make([]string, len(m.cfg.Symbols))
	copy(out, m.cfg.Symbols)
	return out
}

// Describe is a short human summary used by status commands.
func (m *Manager) Describe() string {
	s := m.Status()
	var b strings.Builder
	fmt.Fprintf(&b, "%s", s.State)
	if s.Attempts > 0 {
		fmt.Fprintf(&b, " (%d/%d failed)", s.Attempts, s.MaxAttempts)
	}
	return b.String()
}
