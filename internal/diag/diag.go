// Package diag serves read-only fibfs diagnostics over HTTP.
package diag

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	fibfuse "github.com/radryc/fibfs/internal/fuse"
	"github.com/radryc/fibfs/internal/registry"
)

const shutdownTimeout = 5 * time.Second

// Source is the filesystem being inspected.
type Source interface {
	Info() fibfuse.Info
	Snapshot() []registry.RecordInfo
}

// Server exposes a Source over HTTP.
type Server struct {
	src     Source
	metrics http.Handler
	logger  *slog.Logger
}

// New returns a diagnostics server. metrics may be nil.
func New(src Source, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		src:     src,
		metrics: metrics,
		logger:  logger.With("component", "diag"),
	}
}

// ServeHTTP returns the diagnostics handler.
func (s *Server) ServeHTTP() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /debug/records", s.handleRecords)
	mux.HandleFunc("GET /debug/state", s.handleState)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.ServeHTTP(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("diagnostics shutdown", "error", err)
		}
	}()

	s.logger.Info("diagnostics listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type recordView struct {
	Kind        string `json:"kind"`
	ID          uint64 `json:"id"`
	Size        int64  `json:"size"`
	PayloadLen  int    `json:"payload_len"`
	PayloadSize string `json:"payload_size"`
}

type recordsResponse struct {
	MountID      string       `json:"mount_id,omitempty"`
	Count        int          `json:"count"`
	PayloadTotal string       `json:"payload_total"`
	Records      []recordView `json:"records"`
}

func (s *Server) handleRecords(w http.ResponseWriter, req *http.Request) {
	records := s.src.Snapshot()
	resp := recordsResponse{
		MountID: s.src.Info().MountID,
		Count:   len(records),
		Records: make([]recordView, 0, len(records)),
	}
	var total uint64
	for _, r := range records {
		total += uint64(r.PayloadLen)
		resp.Records = append(resp.Records, recordView{
			Kind:        r.Kind.String(),
			ID:          r.ID,
			Size:        r.Size,
			PayloadLen:  r.PayloadLen,
			PayloadSize: humanize.IBytes(uint64(r.PayloadLen)),
		})
	}
	resp.PayloadTotal = humanize.IBytes(total)
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleState(w http.ResponseWriter, req *http.Request) {
	s.writeJSON(w, http.StatusOK, s.src.Info())
}

func (s *Server) handleHealth(w http.ResponseWriter, req *http.Request) {
	info := s.src.Info()
	status := http.StatusOK
	if info.State != fibfuse.StateMounted {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]string{"state": info.State.String()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response", "error", err)
	}
}
