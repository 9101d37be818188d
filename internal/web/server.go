// Package web serves the operator endpoints of a node: prometheus metrics,
// kernel health, the current price table and an SSE stream of market phase
// changes and reconciliation incidents.
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ecocore/internal/domain"
	"github.com/vadiminshakov/ecocore/internal/events"
)

const heartbeatInterval = 30 * time.Second

// Quoter answers price quotes.
type Quoter interface {
	BuyPrice(productID string) float64
	SellPrice(productID string) float64
	Phase(productID string) domain.MarketPhase
}

// Health reports whether the kernel is serving.
type Health interface {
	IsRunning() bool
}

// Deps data sources of the server. Gatherer and Bus may be nil.
type Deps struct {
	Quotes   Quoter
	Catalog  domain.Catalog
	Kernel   Health
	Bus      *events.Bus
	Gatherer prometheus.Gatherer
}

// Quote one row of the price table.
type Quote struct {
	ProductID string             `json:"product_id"`
	Buy       float64            `json:"buy"`
	Sell      float64            `json:"sell"`
	Phase     domain.MarketPhase `json:"phase"`
}

// Server exposes the operator HTTP endpoints.
type Server struct {
	Addr      string
	deps      Deps
	logger    *zap.Logger
	heartbeat time.Duration
}

// NewServer creates a new web server instance.
func NewServer(addr string, deps Deps, logger *zap.Logger) *Server {
	return &Server{Addr: addr, deps: deps, logger: logger.Named("web"), heartbeat: heartbeatInterval}
}

// Handler returns the endpoint mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.deps.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/quotes", s.handleQuotes)
	mux.HandleFunc("/events/stream", s.handleEventStream)
	return mux
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		// streams end with ctx instead of holding up Shutdown
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
		case <-stopped:
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("Listening", zap.String("addr", s.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status, code := "up", http.StatusOK
	if s.deps.Kernel == nil || !s.deps.Kernel.IsRunning() {
		// degraded still settles under the fallback policy
		status, code = "degraded", http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]string{"kernel": status})
}

// handleQuotes lists the requested products, or the whole catalog when no
// product parameter is given.
func (s *Server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	if s.deps.Quotes == nil {
		http.Error(w, "pricing not available", http.StatusServiceUnavailable)
		return
	}
	ids := r.URL.Query()["product"]
	if len(ids) == 0 && s.deps.Catalog != nil {
		for _, it := range s.deps.Catalog.Items() {
			ids = append(ids, it.ProductID)
		}
	}

	out := make([]Quote, 0, len(ids))
	for _, id := range ids {
		out = append(out, Quote{
			ProductID: id,
			Buy:       s.deps.Quotes.BuyPrice(id),
			Sell:      s.deps.Quotes.SellPrice(id),
			Phase:     s.deps.Quotes.Phase(id),
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		http.Error(w, "event bus not available", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	phases := s.deps.Bus.Phases.Subscribe()
	defer s.deps.Bus.Phases.Unsubscribe(phases)
	incidents := s.deps.Bus.Incidents.Subscribe()
	defer s.deps.Bus.Incidents.Unsubscribe(incidents)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// send a comment heartbeat so proxies keep the connection
	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	send := func(event string, v any) {
		payload, err := sonic.Marshal(v)
		if err != nil {
			s.logger.Warn("Failed to encode event", zap.String("event", event), zap.Error(err))
			return
		}
		fmt.Fprintf(w, "event: %s\n", event)
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-phases:
			if !ok {
				return
			}
			send("phase", ev)
		case ev, ok := <-incidents:
			if !ok {
				return
			}
			send("incident", ev)
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	payload, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(payload)
}
