package polygon

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pivotwatch/internal/marketdata"
)

// rewrite sends every request to the test server regardless of host.
type rewrite struct{ target *url.URL }

func (r rewrite) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = r.target.Scheme
	req.URL.Host = r.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

func newTestProvider(t *testing.T, h http.HandlerFunc) *Provider {
	return newTestProviderTF(t, marketdata.Daily, h)
}

func newTestProviderTF(t *testing.T, tf marketdata.Timeframe, h http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	u, _ := url.Parse(srv.URL)
	p := NewWithHTTPClient("test-key", tf, &http.Client{Transport: rewrite{target: u}, Timeout: 5 * time.Second},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.now = func() time.Time { return time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC) }
	return p
}

func ms(y int, m time.Month, d int) string {
	return strconv.FormatInt(time.Date(y, m, d, 4, 0, 0, 0, time.UTC).UnixMilli(), 10)
}

func TestPriorSessionsUsesLastWeekday(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.URL.Path, "/v2/aggs/ticker/AAPL/range/1/day/"), r.URL.Path)
		_, _ = io.WriteString(w, `{"ticker":"AAPL","status":"OK","resultsCount":3,"results":[`+
			`{"o":1,"h":3,"l":1,"c":2,"t":`+ms(2024, 4, 29)+`},`+
			`{"o":2,"h":110,"l":90,"c":100,"t":`+ms(2024, 4, 30)+`},`+
			`{"o":2,"h":999,"l":1,"c":5,"t":`+ms(2024, 5, 1)+`}]}`)
	})

	bars, err := p.PriorSessions(context.Background(), "aapl", 1)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, 110.0, bars[0].High)
	assert.Equal(t, 90.0, bars[0].Low)
	assert.Equal(t, 100.0, bars[0].Close)
}

func TestPriorSessionsWeeklyAggregates(t *testing.T) {
	p := newTestProviderTF(t, marketdata.Weekly, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.URL.Path, "/v2/aggs/ticker/AAPL/range/1/week/"), r.URL.Path)
		_, _ = io.WriteString(w, `{"ticker":"AAPL","status":"OK","resultsCount":2,"results":[`+
			`{"o":4,"h":120,"l":95,"c":110,"t":`+ms(2024, 4, 21)+`},`+
			`{"o":110,"h":999,"l":1,"c":5,"t":`+ms(2024, 4, 28)+`}]}`)
	})

	bars, err := p.PriorSessions(context.Background(), "AAPL", 1)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, 120.0, bars[0].High)
}

func TestPriorSessionsEmpty(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"ticker":"AAPL","status":"OK","resultsCount":0,"results":[]}`)
	})
	_, err := p.PriorSessions(context.Background(), "AAPL", 1)
	assert.ErrorIs(t, err, marketdata.ErrUnavailable)
}

func TestLatestPrice(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/range/1/minute/")
		_, _ = io.WriteString(w, `{"ticker":"MSFT","status":"OK","resultsCount":1,"results":[`+
			`{"o":412,"h":413,"l":411,"c":412.5,"t":`+ms(2024, 5, 1)+`}]}`)
	})
	price, err := p.LatestPrice(context.Background(), "MSFT")
	require.NoError(t, err)
	assert.Equal(t, 412.5, price)
	assert.Equal(t, "polygon", p.Name())
}
