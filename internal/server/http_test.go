package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pivotwatch/internal/crossing"
	"pivotwatch/internal/feed"
	"pivotwatch/internal/levels"
	"pivotwatch/internal/monitor"
	"pivotwatch/internal/pivot"
)

type fakeBackend struct {
	mu     sync.Mutex
	loaded map[string]pivot.Levels
	state  feed.State
}

func (f *fakeBackend) setState(st feed.State) {
	f.mu.Lock()
	f.state = st
	f.mu.Unlock()
}

func (f *fakeBackend) Settings() monitor.Settings {
	return monitor.Settings{Symbols: []string{"AAPL", "MSFT"}, Threshold: 0.01, Cooldown: 300 * time.Second, Formula: pivot.Classic}
}

func (f *fakeBackend) Status() monitor.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return monitor.Status{Feed: feed.Status{State: f.state, MaxAttempts: 5}, Symbols: 2, Loaded: len(f.loaded)}
}

func (f *fakeBackend) AllLevels() map[string]pivot.Levels {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]pivot.Levels{}
	for k, v := range f.loaded {
		out[k] = v
	}
	return out
}

func (f *fakeBackend) Levels(symbol string) (pivot.Levels, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lv, ok := f.loaded[symbol]
	return lv, ok
}

func (f *fakeBackend) EnsureLevels(_ context.Context, symbol string) (pivot.Levels, error) {
	if symbol == "NVDA" {
		lv := pivot.Compute(pivot.Session{High: 900, Low: 880, Close: 890}, pivot.Classic)
		f.mu.Lock()
		f.loaded[symbol] = lv
		f.mu.Unlock()
		return lv, nil
	}
	return pivot.Levels{}, fmt.Errorf("%w: %s", levels.ErrDataUnavailable, symbol)
}

func newTestServer(t *testing.T) (*HTTPServer, *fakeBackend, *httptest.Server) {
	t.Helper()
	b := &fakeBackend{
		loaded: map[string]pivot.Levels{"AAPL": pivot.Compute(pivot.Session{High: 110, Low: 90, Close: 100}, pivot.Classic)},
		state:  feed.Subscribed,
	}
	s := NewHTTPServer(b, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	ts := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return s, b, ts
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	_, b, ts := newTestServer(t)
	var body map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/health", &body))
	assert.Equal(t, "subscribed", body["stream"])

	b.setState(feed.Degraded)
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, ts.URL+"/api/health", &body))
	assert.Equal(t, false, body["ok"])
}

func TestLevelsEndpoints(t *testing.T) {
	_, _, ts := newTestServer(t)

	var all []levelView
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/levels", &all))
	require.Len(t, all, 1)
	assert.Equal(t, "AAPL", all[0].Symbol)
	require.Len(t, all[0].Levels, 7)
	assert.Equal(t, pivot.R3, all[0].Levels[0].Name)
	assert.Equal(t, 130.0, all[0].Levels[0].Value)

	var one levelView
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/levels/aapl", &one))
	assert.Equal(t, 100.0, one.Raw.Pivot)

	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/levels/nvda", &one))
	assert.Equal(t, "NVDA", one.Symbol)

	var e map[string]string
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/levels/ZZZZ", &e))
	assert.Contains(t, e["error"], "ZZZZ")
}

func TestStatusAndConfig(t *testing.T) {
	_, _, ts := newTestServer(t)
	var st monitor.Status
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/status", &st))
	assert.Equal(t, 1, st.Loaded)
	assert.Equal(t, 5, st.Feed.MaxAttempts)

	var cfg map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/config", &cfg))
	assert.Equal(t, 300.0, cfg["cooldownSeconds"])
}

func TestMetricsEndpoint(t *testing.T) {
	_, _, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(b), "go_goroutines")
}

func TestAlertBroadcast(t *testing.T) {
	s, _, ts := newTestServer(t)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	frames := make(chan []byte, 16)
	go func() {
		defer close(frames)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- data
		}
	}()

	a := crossing.Alert{ID: "id-1", Symbol: "AAPL", Level: pivot.R1, LevelValue: 110, Price: 109.995, Direction: crossing.Up}
	var got wsMessage
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	timeout := time.After(2 * time.Second)
	// registration is asynchronous; keep publishing until the client sees a frame
wait:
	for {
		select {
		case data, ok := <-frames:
			require.True(t, ok, "websocket closed")
			require.NoError(t, json.Unmarshal(data, &got))
			break wait
		case <-tick.C:
			require.NoError(t, s.Send(context.Background(), a))
		case <-timeout:
			t.Fatal("no frame received")
		}
	}

	assert.Equal(t, "alert", got.Type)
	data := got.Data.(map[string]any)
	assert.Equal(t, "AAPL", data["symbol"])
	assert.Equal(t, "R1", data["level"])
	assert.Equal(t, "websocket", s.Name())
}
