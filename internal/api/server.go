// Package api exposes the HTTP observability surface: Prometheus metrics,
// a health probe, and a JSON view of the pools.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shardgate/shardgate/internal/backend"
	"github.com/shardgate/shardgate/internal/metrics"
)

// Server is the HTTP exporter.
type Server struct {
	databases *backend.Databases
	metrics   *metrics.Collector
	httpSrv   *http.Server
}

// NewServer builds the exporter around the live database view.
func NewServer(databases *backend.Databases, m *metrics.Collector) *Server {
	return &Server{databases: databases, metrics: m}
}

// poolJSON is the wire shape of one pool's state.
type poolJSON struct {
	Addr       string `json:"addr"`
	Idle       int    `json:"idle"`
	CheckedOut int    `json:"checked_out"`
	Total      int    `json:"total"`
	Waiting    int    `json:"waiting"`
	Paused     bool   `json:"paused"`
	Banned     bool   `json:"banned"`
	BanReason  string `json:"ban_reason,omitempty"`
	Errors     uint64 `json:"errors"`
	OutOfSync  uint64 `json:"out_of_sync"`
}

// Start binds the exporter port.
func (s *Server) Start(bind string, port int) error {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/pools", s.handlePools).Methods(http.MethodGet)

	addr := fmt.Sprintf("%s:%d", bind, port)
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listening on %s: %w", addr, err)
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("api server failed", "err", err)
		}
	}()
	slog.Info("api listening", "addr", addr)
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

func (s *Server) handlePools(w http.ResponseWriter, _ *http.Request) {
	pools := s.databases.Pools()
	out := make([]poolJSON, 0, len(pools))
	for _, p := range pools {
		st := p.State()
		out = append(out, poolJSON{
			Addr:       st.Addr.String(),
			Idle:       st.Idle,
			CheckedOut: st.CheckedOut,
			Total:      st.Total,
			Waiting:    st.Waiting,
			Paused:     st.Paused,
			Banned:     st.Banned,
			BanReason:  string(st.BanReason),
			Errors:     st.Errors,
			OutOfSync:  st.OutOfSync,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// Stop shuts the exporter down.
func (s *Server) Stop() {
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(ctx)
	}
}
