package fusion

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/infraspectre/amoskys/internal/metrics"
)

// HTTPServer exposes the fusion engine's observability and read surface:
// health/readiness for orchestration, Prometheus metrics, and an incident
// listing endpoint for dashboards and the fusionctl CLI.
type HTTPServer struct {
	srv      *http.Server
	store    *Store
	halfLife time.Duration
}

// NewHTTPServer builds an HTTPServer bound to addr, serving from store.
// halfLife is used to recompute device risk scores at read time rather than
// serving the raw value last persisted by the engine.
func NewHTTPServer(addr string, store *Store, halfLife time.Duration) *HTTPServer {
	s := &HTTPServer{store: store, halfLife: halfLife}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/v1/incidents", s.handleListIncidents).Methods(http.MethodGet)
	r.HandleFunc("/v1/devices/{device_id}/risk", s.handleDeviceRisk).Methods(http.MethodGet)

	s.srv = &http.Server{Addr: addr, Handler: r}
	return s
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.ListIncidents(r.Context(), 1); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *HTTPServer) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	incidents, err := s.store.ListIncidents(r.Context(), limit)
	if err != nil {
		http.Error(w, "failed to list incidents", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(incidents)
}

func (s *HTTPServer) handleDeviceRisk(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]

	score, updatedNs, ok, err := s.store.DeviceRisk(r.Context(), deviceID)
	if err != nil {
		http.Error(w, "failed to read device risk", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}
	score = Decay(score, updatedNs, time.Now().UnixNano(), s.halfLife)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		DeviceID  string  `json:"device_id"`
		Score     float64 `json:"score"`
		UpdatedNs int64   `json:"updated_ns"`
	}{deviceID, score, updatedNs})
}

// Start begins serving in a background goroutine, returning immediately.
func (s *HTTPServer) Start() error {
	go func() {
		_ = s.srv.ListenAndServe()
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *HTTPServer) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
