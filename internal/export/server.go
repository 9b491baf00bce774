// Package export implements the export API: a single HTTP endpoint that
// turns a window of the object store into a binary trace.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	clustersimerrors "github.com/kubeadapt/clustersim/internal/errors"
	"github.com/kubeadapt/clustersim/internal/observability"
	"github.com/kubeadapt/clustersim/internal/store"
	"github.com/kubeadapt/clustersim/internal/trace"
)

// Exporter is the subset of *store.Store the export server needs.
type Exporter interface {
	Export(startTS, endTS int64, filters store.ExportFilters) (*store.Trace, error)
}

// requestBody is the export endpoint's JSON request shape: the window to
// export plus the filters to apply while building it.
type requestBody struct {
	StartTS int64          `json:"start_ts"`
	EndTS   int64          `json:"end_ts"`
	Filters requestFilters `json:"filters"`
}

type requestFilters struct {
	ExcludedNamespaces []string `json:"excluded_namespaces"`
	ExcludedLabels     []string `json:"excluded_labels"`
	ExcludeDaemonSets  bool     `json:"exclude_daemonsets"`
}

// Server exposes POST /export on its own port, separate from the health
// server so that a slow/large export never starves health and metrics
// scraping.
type Server struct {
	httpServer *http.Server
	store      Exporter
	metrics    *observability.Metrics
	listener   net.Listener
}

// NewServer builds an export Server listening on port.
func NewServer(port int, s Exporter, metrics *observability.Metrics) *Server {
	srv := &Server{store: s, metrics: metrics}

	mux := http.NewServeMux()
	mux.HandleFunc("/export", srv.handleExport)

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf(":%d", port),
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   60 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return srv
}

// Start begins listening and serving in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("export server listen: %w", err)
	}
	s.listener = ln
	s.httpServer.Addr = ln.Addr().String()

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			_ = err
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var body requestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, &clustersimerrors.AgentError{
			Code:      clustersimerrors.ErrExportMalformed,
			Message:   fmt.Sprintf("malformed export request: %v", err),
			Component: "export",
		})
		return
	}

	start := time.Now()
	t, err := s.store.Export(body.StartTS, body.EndTS, store.ExportFilters{
		ExcludedNamespaces:     body.Filters.ExcludedNamespaces,
		ExcludedLabelSelectors: body.Filters.ExcludedLabels,
		ExcludeDaemonSets:      body.Filters.ExcludeDaemonSets,
	})
	if err != nil {
		status := http.StatusInternalServerError
		var agentErr *clustersimerrors.AgentError
		if errors.As(err, &agentErr) && agentErr.Code == clustersimerrors.ErrExportInvalidRange {
			status = http.StatusBadRequest
		}
		if s.metrics != nil {
			s.metrics.ExportRequests.WithLabelValues("error").Inc()
		}
		writeError(w, status, err)
		return
	}

	data, err := trace.Encode(t, s.metrics)
	if err != nil {
		if s.metrics != nil {
			s.metrics.ExportRequests.WithLabelValues("error").Inc()
		}
		writeError(w, http.StatusInternalServerError, &clustersimerrors.AgentError{
			Code:      clustersimerrors.ErrExportUnavailable,
			Message:   fmt.Sprintf("encode trace: %v", err),
			Component: "export",
			Err:       err,
		})
		return
	}

	if s.metrics != nil {
		s.metrics.ExportDuration.Observe(time.Since(start).Seconds())
		s.metrics.ExportSizeBytes.Observe(float64(len(data)))
		s.metrics.ExportRequests.WithLabelValues("success").Inc()
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
