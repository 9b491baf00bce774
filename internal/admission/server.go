package admission

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/kubeadapt/clustersim/internal/observability"
)

// Server exposes POST /mutate, the admission webhook endpoint.
// It never blocks pod creation on its own bugs: any error past the
// malformed-request stage is logged and answered with an unconditional
// allow.
type Server struct {
	httpServer *http.Server
	mutator    *Mutator
	metrics    *observability.Metrics
	listener   net.Listener
}

// NewServer builds an admission Server listening on port. If certPath and
// keyPath are both non-empty, it serves TLS, as the orchestrator's webhook
// client requires.
func NewServer(port int, certPath, keyPath string, mutator *Mutator, metrics *observability.Metrics) (*Server, error) {
	s := &Server{mutator: mutator, metrics: metrics}

	mux := http.NewServeMux()
	mux.HandleFunc("/mutate", s.handleMutate)

	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf(":%d", port),
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	if certPath != "" && keyPath != "" {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("admission: load tls keypair: %w", err)
		}
		s.httpServer.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	return s, nil
}

// Start begins listening and serving in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("admission server listen: %w", err)
	}
	s.listener = ln
	s.httpServer.Addr = ln.Addr().String()

	go func() {
		var serveErr error
		if s.httpServer.TLSConfig != nil {
			serveErr = s.httpServer.ServeTLS(ln, "", "")
		} else {
			serveErr = s.httpServer.Serve(ln)
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("admission server exited", "error", serveErr)
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleMutate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	start := time.Now()
	var review admissionv1.AdmissionReview
	if err := json.NewDecoder(r.Body).Decode(&review); err != nil || review.Request == nil {
		s.observe("malformed", start)
		writeReview(w, nil, &metav1.Status{Message: fmt.Sprintf("malformed admission review: %v", err)})
		return
	}

	req := review.Request
	resp := &admissionv1.AdmissionResponse{UID: req.UID, Allowed: true}

	pod := &unstructured.Unstructured{}
	if err := pod.UnmarshalJSON(req.Object.Raw); err != nil {
		s.observe("malformed", start)
		writeReview(w, &admissionv1.AdmissionResponse{
			UID:     req.UID,
			Allowed: true,
			Result:  &metav1.Status{Message: fmt.Sprintf("malformed pod object: %v", err)},
		}, nil)
		return
	}

	patch, err := s.mutator.Mutate(r.Context(), pod)
	if err != nil {
		// Internal mutator error: fail open, never block pod creation.
		slog.Error("admission: mutation failed, allowing pod unmodified", "pod", pod.GetName(), "error", err)
		s.observe("error", start)
		writeReview(w, resp, nil)
		return
	}
	if patch == nil {
		s.observe("noop", start)
		writeReview(w, resp, nil)
		return
	}

	patchType := admissionv1.PatchTypeJSONPatch
	resp.Patch = patch
	resp.PatchType = &patchType
	s.observe("mutated", start)
	writeReview(w, resp, nil)
}

func (s *Server) observe(outcome string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.AdmissionDuration.Observe(time.Since(start).Seconds())
	s.metrics.AdmissionMutations.WithLabelValues(outcome).Inc()
}

// writeReview writes an AdmissionReview response. A non-nil status with a
// nil resp means the request itself was malformed and is rejected outright;
// otherwise resp (always Allowed: true per the fail-open contract) is
// returned verbatim.
func writeReview(w http.ResponseWriter, resp *admissionv1.AdmissionResponse, rejectStatus *metav1.Status) {
	review := admissionv1.AdmissionReview{
		TypeMeta: metav1.TypeMeta{APIVersion: "admission.k8s.io/v1", Kind: "AdmissionReview"},
	}
	if rejectStatus != nil {
		review.Response = &admissionv1.AdmissionResponse{Allowed: false, Result: rejectStatus}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(review)
		return
	}
	review.Response = resp
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(review)
}
