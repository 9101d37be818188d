package web

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ecocore/internal/domain"
	"github.com/vadiminshakov/ecocore/internal/events"
	"github.com/vadiminshakov/ecocore/internal/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixedQuotes map[string]float64

func (q fixedQuotes) BuyPrice(id string) float64 {
	if p, ok := q[id]; ok {
		return p
	}
	return 100
}

func (q fixedQuotes) SellPrice(id string) float64 { return q.BuyPrice(id) / 2 }

func (q fixedQuotes) Phase(id string) domain.MarketPhase {
	if id == "wheat" {
		return domain.PhaseSaturated
	}
	return domain.PhaseStable
}

type kernelHealth bool

func (k kernelHealth) IsRunning() bool { return bool(k) }

func newTestServer(t *testing.T, running bool) (*httptest.Server, *events.Bus) {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics.New(reg).Adjustment(1.25)

	bus := events.NewBus(4)
	t.Cleanup(bus.Close)

	srv := NewServer("", Deps{
		Quotes: fixedQuotes{"wheat": 40},
		Catalog: domain.NewStaticCatalog([]domain.CatalogItem{
			{ProductID: "wheat", BasePrice: 40},
			{ProductID: "iron", BasePrice: 10},
		}),
		Kernel:   kernelHealth(running),
		Bus:      bus,
		Gatherer: reg,
	}, zap.NewNop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, bus
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestQuotes(t *testing.T) {
	ts, _ := newTestServer(t, true)

	t.Run("whole catalog", func(t *testing.T) {
		resp, body := get(t, ts.URL+"/quotes")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

		var quotes []Quote
		require.NoError(t, sonic.UnmarshalString(body, &quotes))
		require.Len(t, quotes, 2)
		assert.Equal(t, Quote{ProductID: "wheat", Buy: 40, Sell: 20, Phase: domain.PhaseSaturated}, quotes[0])
		assert.Equal(t, "iron", quotes[1].ProductID)
	})

	t.Run("selected products", func(t *testing.T) {
		_, body := get(t, ts.URL+"/quotes?product=gold")
		var quotes []Quote
		require.NoError(t, sonic.UnmarshalString(body, &quotes))
		require.Len(t, quotes, 1)
		assert.Equal(t, 100.0, quotes[0].Buy)
	})
}

func TestHealth(t *testing.T) {
	up, _ := newTestServer(t, true)
	resp, body := get(t, up.URL+"/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"up"`)

	down, _ := newTestServer(t, false)
	resp, body = get(t, down.URL+"/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body, `"degraded"`)
}

func TestMetrics(t *testing.T) {
	ts, _ := newTestServer(t, true)
	resp, body := get(t, ts.URL+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "ecocore_")
}

func TestEventStream(t *testing.T) {
	ts, bus := newTestServer(t, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool {
		return bus.Phases.Subscribers() == 1 && bus.Incidents.Subscribers() == 1
	}, time.Second, 5*time.Millisecond)

	reader := bufio.NewReader(resp.Body)
	next := func() (string, string) {
		var lines []string
		for len(lines) < 2 {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if line = strings.TrimSpace(line); line != "" {
				lines = append(lines, line)
			}
		}
		return lines[0], lines[1]
	}

	bus.Phases.Publish(events.PhaseChanged{ProductID: "wheat", From: domain.PhaseStable, To: domain.PhaseEmergency})
	event, data := next()
	assert.Equal(t, "event: phase", event)
	assert.Contains(t, data, `"to":"EMERGENCY"`)

	bus.Incidents.Publish(events.Incident{IntentID: "i-1", Reason: "credit failed"})
	event, data = next()
	assert.Equal(t, "event: incident", event)
	assert.Contains(t, data, `"intent_id":"i-1"`)

	cancel()
	require.Eventually(t, func() bool { return bus.Phases.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}
