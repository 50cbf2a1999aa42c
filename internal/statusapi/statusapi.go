// Package statusapi exposes a small local HTTP surface for operators:
// pipeline status for inspection and a manual trigger endpoint.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/snapsyncd/snapsyncd/internal/activation"
	"github.com/snapsyncd/snapsyncd/internal/pipeline"
)

// Server serves status and trigger requests for a set of pipelines.
type Server struct {
	addr      string
	pipelines []*pipeline.Pipeline
	logger    *slog.Logger

	// runCtx is the lifetime context manual runs inherit; runs tracks
	// them so shutdown waits for in-flight pipelines.
	runCtx context.Context
	runs   sync.WaitGroup
}

// NewServer creates a status server for the given pipelines.
func NewServer(addr string, pipelines []*pipeline.Pipeline, logger *slog.Logger) *Server {
	return &Server{
		addr:      addr,
		pipelines: pipelines,
		logger:    logger,
	}
}

// Start serves until ctx is cancelled. A systemd-activated socket is
// preferred over the configured listen address when one is passed in.
// Shutdown waits for manual runs accepted over /trigger to finish.
func (s *Server) Start(ctx context.Context) error {
	s.runCtx = ctx

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/trigger", s.handleTrigger)

	server := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	listener, err := s.listener()
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", "addr", listener.Addr().String())
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down status server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		s.runs.Wait()
		return err
	case err := <-errCh:
		return err
	}
}

// listener returns a systemd-activated socket when present, otherwise a
// fresh listener on the configured address.
func (s *Server) listener() (net.Listener, error) {
	listeners, err := activation.Listeners()
	if err != nil {
		return nil, fmt.Errorf("failed to check socket activation: %w", err)
	}
	if len(listeners) > 0 {
		s.logger.Info("using systemd-activated socket")
		return s.adoptActivated(listeners), nil
	}
	return net.Listen("tcp", s.addr)
}

// adoptActivated picks the first activated socket. The server has a
// single endpoint, so surplus sockets from a misconfigured unit are
// closed instead of leaking.
func (s *Server) adoptActivated(listeners []net.Listener) net.Listener {
	for _, extra := range listeners[1:] {
		s.logger.Warn("closing surplus activated socket", "addr", extra.Addr().String())
		_ = extra.Close()
	}
	return listeners[0]
}

// handleStatus reports every pipeline's current state as JSON.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	statuses := make([]pipeline.Status, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		statuses = append(statuses, p.Status())
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"targets": statuses}); err != nil {
		s.logger.Error("failed to encode status response", "error", err)
	}
}

// triggerRequest selects which target to run; an empty target means all.
type triggerRequest struct {
	Target string `json:"target"`
}

// handleTrigger requests a manual pipeline run. The run executes in the
// background under the pipeline's single-flight rules; a request during
// an active run collapses into its pending follow-up.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req triggerRequest
	if r.Body != nil {
		// An empty body is a trigger-all request.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "Invalid payload", http.StatusBadRequest)
			return
		}
	}

	triggered := 0
	for _, p := range s.pipelines {
		if req.Target != "" && p.Name() != req.Target {
			continue
		}
		triggered++
		s.runs.Add(1)
		go func(p *pipeline.Pipeline) {
			defer s.runs.Done()
			p.Trigger(s.triggerCtx(), pipeline.TriggerManual)
		}(p)
	}

	if triggered == 0 {
		http.Error(w, fmt.Sprintf("no such target: %s", req.Target), http.StatusNotFound)
		return
	}

	s.logger.Info("manual trigger accepted", "target", req.Target, "pipelines", triggered)
	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Triggered %d pipeline(s)\n", triggered)
}

// triggerCtx is the context manual runs inherit, Background until Start
// installs the server's lifetime context.
func (s *Server) triggerCtx() context.Context {
	if s.runCtx != nil {
		return s.runCtx
	}
	return context.Background()
}
