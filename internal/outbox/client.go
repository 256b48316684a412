package outbox

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/infraspectre/amoskys/internal/wire"
	"github.com/infraspectre/amoskys/pkg/version"
)

// ClientConfig configures the mTLS HTTP client used to reach the bus.
type ClientConfig struct {
	BusAddr    string // e.g. "https://bus.internal:9443"
	CertFile   string
	KeyFile    string
	CAFile     string
	ServerName string
	Timeout    time.Duration
}

// Client posts envelopes to the bus's /v1/publish endpoint over mTLS.
type Client struct {
	httpClient *http.Client
	url        string
}

// NewClient builds a Client from cfg, loading the agent's client
// certificate and the operator CA bundle used to verify the bus.
func NewClient(cfg ClientConfig) (*Client, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("outbox: load client cert: %w", err)
	}

	caPEM, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("outbox: read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("outbox: no valid certificates in %s", cfg.CAFile)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					Certificates: []tls.Certificate{cert},
					RootCAs:      pool,
					ServerName:   cfg.ServerName,
					MinVersion:   tls.VersionTLS12,
				},
			},
		},
		url: cfg.BusAddr + "/v1/publish",
	}, nil
}

// PublishBatch sends up to wire.MaxBatchEnvelopes envelopes in one RPC,
// returning one ack per envelope in the same order. Callers are
// responsible for keeping the encoded request under wire.MaxBatchBytes.
func (c *Client) PublishBatch(ctx context.Context, envelopes []wire.PublishRequest) ([]wire.PublishAck, error) {
	batch := wire.PublishBatchRequest{Envelopes: envelopes}
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("outbox: encode publish batch: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("outbox: build publish batch request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("outbox: publish batch transport error: %w", err)
	}
	defer resp.Body.Close()

	var batchAck wire.PublishBatchAck
	if err := json.NewDecoder(resp.Body).Decode(&batchAck); err != nil {
		return nil, fmt.Errorf("outbox: decode publish batch ack: %w", err)
	}
	if len(batchAck.Acks) != len(envelopes) {
		return nil, fmt.Errorf("outbox: bus returned %d acks for %d envelopes", len(batchAck.Acks), len(envelopes))
	}
	return batchAck.Acks, nil
}
