// Package bus implements the Event Bus Server: a mutually-authenticated
// ingest endpoint that verifies, dedupes, and durably persists telemetry
// envelopes published by agents.
package bus

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/infraspectre/amoskys/internal/bus/auditsink"
	"github.com/infraspectre/amoskys/internal/crypto"
	"github.com/infraspectre/amoskys/internal/envelope"
	"github.com/infraspectre/amoskys/internal/errs"
	"github.com/infraspectre/amoskys/internal/metrics"
	"github.com/infraspectre/amoskys/internal/queue"
	"github.com/infraspectre/amoskys/internal/wire"
)

// TLSConfig names the mTLS material the bus listens with.
type TLSConfig struct {
	CertFile string
	KeyFile  string
	ClientCA string
}

// ServerConfig configures one Server instance.
type ServerConfig struct {
	ListenAddr       string
	TLS              TLSConfig
	DedupeWindow     time.Duration
	MaxSkewAhead     time.Duration
	MaxSkewBack      time.Duration
	Admission        AdmissionConfig
}

// Server is the Event Bus: one mTLS-guarded HTTP listener exposing
// POST /v1/publish plus the read-only /healthz, /ready, /metrics surface.
type Server struct {
	cfg       ServerConfig
	srv       *http.Server
	queue     *queue.SQLiteQueue
	registry  *crypto.Registry
	admission *Admission
	dedupe    DedupeCache
	audit     auditsink.Sink
	log       *zap.SugaredLogger
}

// NewServer wires together the publish pipeline in order:
// transport auth (mTLS, enforced by the listener) -> envelope verify ->
// clock skew -> admission control -> dedupe check -> persist -> ack.
func NewServer(cfg ServerConfig, q *queue.SQLiteQueue, registry *crypto.Registry, dedupe DedupeCache, audit auditsink.Sink, log *zap.SugaredLogger) (*Server, error) {
	if dedupe == nil {
		dedupe = NewNoopDedupeCache()
	}
	if audit == nil {
		audit = auditsink.NoopSink()
	}
	if log == nil {
		l, _ := zap.NewProduction()
		log = l.Sugar()
	}

	s := &Server{
		cfg:       cfg,
		queue:     q,
		registry:  registry,
		admission: NewAdmission(cfg.Admission),
		dedupe:    dedupe,
		audit:     audit,
		log:       log,
	}

	tlsConf, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}

	s.srv = &http.Server{
		Addr:      cfg.ListenAddr,
		Handler:   s.router(),
		TLSConfig: tlsConf,
	}
	return s, nil
}

// router builds the chi mux for this Server's handlers, usable both for
// the real mTLS listener and, in tests, as a plain http.Handler.
func (s *Server) router() http.Handler {
	router := chi.NewRouter()
	router.Post("/v1/publish", s.handlePublish)
	router.Get("/healthz", s.handleHealthz)
	router.Get("/ready", s.handleReady)
	router.Get("/metrics", metrics.Handler().ServeHTTP)
	return router
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("bus: load server cert: %w", err)
	}

	caPEM, err := os.ReadFile(cfg.ClientCA)
	if err != nil {
		return nil, fmt.Errorf("bus: read client CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("bus: no valid certificates in %s", cfg.ClientCA)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Start serves HTTPS until the listener fails or Stop is called.
func (s *Server) Start() error {
	err := s.srv.ListenAndServeTLS("", "")
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully drains inflight requests: stop accepting -> drain
// <= 10s -> force-close.
func (s *Server) Stop(ctx context.Context) error {
	drainCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(drainCtx); err != nil {
		_ = s.srv.Close()
		return err
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.queue.Size(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if s.registry.Size() == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var batch wire.PublishBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		http.Error(w, "malformed publish request", http.StatusBadRequest)
		return
	}
	if len(batch.Envelopes) == 0 {
		http.Error(w, "publish request must contain at least one envelope", http.StatusBadRequest)
		return
	}

	acks := make([]wire.PublishAck, len(batch.Envelopes))
	for i, req := range batch.Envelopes {
		status := s.publishOne(ctx, req)
		acks[i] = status
		metrics.BusPublishTotal.WithLabelValues(string(status.Status), req.Class, req.SourceID).Inc()
	}

	metrics.BusPublishDuration.WithLabelValues(string(acks[len(acks)-1].Status)).Observe(time.Since(start).Seconds())
	metrics.BusInflight.Set(float64(s.admission.Inflight()))
	if depth, err := s.queue.Size(ctx); err == nil {
		metrics.BusQueueDepth.Set(float64(depth))
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(wire.PublishBatchAck{Acks: acks})
}

// publishOne runs one envelope through the full admission pipeline:
// verify -> clock skew -> admission control -> dedupe -> persist -> ack.
func (s *Server) publishOne(ctx context.Context, req wire.PublishRequest) wire.PublishAck {
	env, err := wire.ToEnvelope(req)
	if err != nil {
		s.log.Infow("malformed envelope", "source_id", req.SourceID, "error", err)
		return wire.PublishAck{Status: wire.StatusRejected, Reason: "malformed envelope"}
	}

	if err := crypto.Verify(s.registry, env); err != nil {
		s.log.Infow("envelope verify failed", "event_id", env.EventIDHex(), "source_id", env.SourceID, "error", err)
		return wire.PublishAck{Status: wire.StatusRejected, Reason: err.Error()}
	}

	if skewErr := s.checkSkew(env.TimestampNs); skewErr != nil {
		s.log.Infow("clock skew rejected", "event_id", env.EventIDHex(), "source_id", env.SourceID)
		return wire.PublishAck{Status: wire.StatusRejected, Reason: skewErr.Error()}
	}

	verdict := s.admission.Enter()
	switch verdict {
	case VerdictRefuse:
		return wire.PublishAck{Status: wire.StatusRetry, RetryAfterMs: 1000, Reason: "bus at hard concurrency limit"}
	case VerdictRetry:
		return wire.PublishAck{Status: wire.StatusRetry, RetryAfterMs: 250, Reason: "bus approaching concurrency limit"}
	}
	defer s.admission.Leave()

	eventID := env.EventIDHex()

	if seen, ok := s.dedupe.SeenDone(ctx, eventID); ok && seen {
		return wire.PublishAck{Status: wire.StatusDuplicate}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return wire.PublishAck{Status: wire.StatusRejected, Reason: "encode failure"}
	}

	inserted, err := s.queue.Enqueue(ctx, eventID, body, time.Now().UnixNano())
	if err != nil {
		if errs.Is(err, errs.KindQueueFull) {
			return wire.PublishAck{Status: wire.StatusRetry, RetryAfterMs: 500, Reason: "queue at capacity"}
		}
		s.log.Errorw("persist failed", "event_id", eventID, "error", err)
		return wire.PublishAck{Status: wire.StatusRetry, RetryAfterMs: 1000, Reason: "storage error"}
	}

	s.dedupe.MarkDone(ctx, eventID)

	// The durable queue is authoritative for dedupe: Enqueue is idempotent on
	// event_id, so a re-publish of an envelope still PENDING/INFLIGHT reports
	// inserted=false here regardless of whether a front-end dedupe cache (or
	// none at all) is configured.
	if !inserted {
		return wire.PublishAck{Status: wire.StatusDuplicate}
	}

	_ = s.audit.Record(ctx, auditsink.Entry{
		EventID:     eventID,
		SourceID:    env.SourceID,
		Class:       string(env.Class),
		TimestampNs: env.TimestampNs,
		AcceptedNs:  time.Now().UnixNano(),
	})

	return wire.PublishAck{Status: wire.StatusAccepted}
}

func (s *Server) checkSkew(timestampNs int64) error {
	now := time.Now()
	ts := time.Unix(0, timestampNs)

	ahead := s.cfg.MaxSkewAhead
	if ahead <= 0 {
		ahead = 5 * time.Minute
	}
	back := s.cfg.MaxSkewBack
	if back <= 0 {
		back = 24 * time.Hour
	}

	if ts.After(now.Add(ahead)) {
		return errs.ClockSkew(ts.Sub(now).Nanoseconds(), ahead.Nanoseconds())
	}
	if ts.Before(now.Add(-back)) {
		return errs.ClockSkew(now.Sub(ts).Nanoseconds(), back.Nanoseconds())
	}
	return nil
}
