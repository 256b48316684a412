package outbox

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/infraspectre/amoskys/internal/queue"
	"github.com/infraspectre/amoskys/internal/wire"
)

// publisher is the subset of *Client that Sender depends on, narrowed so
// tests can substitute a fake transport without standing up TLS.
type publisher interface {
	PublishBatch(ctx context.Context, envelopes []wire.PublishRequest) ([]wire.PublishAck, error)
}

// Sender drains the durable queue and delivers batches to the bus,
// advancing each record through PENDING -> INFLIGHT -> DONE | PENDING.
type Sender struct {
	queue   *queue.SQLiteQueue
	client  publisher
	breaker *CircuitBreaker
	backoff BackoffConfig
	log     *logrus.Entry

	// DroppedRejected counts REJECTED verdicts, i.e. poison records moved
	// straight to DONE so they cannot stall the queue.
	DroppedRejected int64
}

// NewSender builds a Sender. log may be nil, in which case a discarding
// logger is used.
func NewSender(q *queue.SQLiteQueue, client publisher, breaker *CircuitBreaker, backoff BackoffConfig, log *logrus.Entry) *Sender {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = logrus.NewEntry(l)
	}
	return &Sender{queue: q, client: client, breaker: breaker, backoff: backoff, log: log}
}

// RunOnce peeks one batch (up to wire.MaxBatchEnvelopes, capped further by
// wire.MaxBatchBytes), sends it, and applies the per-envelope verdict to
// the queue. It returns the number of records processed, so the caller's
// loop can back off when the queue is empty.
func (s *Sender) RunOnce(ctx context.Context, nowNs int64) (int, error) {
	records, err := s.queue.PeekBatch(ctx, wire.MaxBatchEnvelopes, nowNs)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	batch, batchRecords := buildBatch(records)

	var acks []wire.PublishAck
	sendErr := s.breaker.Execute(ctx, func() error {
		var err error
		acks, err = s.client.PublishBatch(ctx, batch)
		return err
	})

	if sendErr != nil {
		// Transport-level failure (or the breaker itself refusing): every
		// peeked record goes back to PENDING with a backoff delay.
		s.nackAll(ctx, batchRecords, nowNs, sendErr)
		return len(batchRecords), nil
	}

	for i, rec := range batchRecords {
		s.applyVerdict(ctx, rec, acks[i], nowNs)
	}
	return len(batchRecords), nil
}

// buildBatch trims records to respect wire.MaxBatchBytes, returning the
// wire requests alongside the matching records in the same order. Any
// record that alone exceeds the byte ceiling is sent by itself so it
// still makes forward progress.
func buildBatch(records []queue.Record) ([]wire.PublishRequest, []queue.Record) {
	var batch []wire.PublishRequest
	var kept []queue.Record
	var total int

	for _, rec := range records {
		size := len(rec.Envelope)
		if total > 0 && total+size > wire.MaxBatchBytes {
			break
		}
		var req wire.PublishRequest
		if err := json.Unmarshal(rec.Envelope, &req); err != nil {
			// A record that doesn't even decode is corrupt, not
			// retryable, and outbox.go isn't the authority on
			// rejecting records, so it is left out of the batch. It
			// is neither acked nor nacked: it stays INFLIGHT, as
			// PeekBatch marked it, and is not peeked again.
			continue
		}
		batch = append(batch, req)
		kept = append(kept, rec)
		total += size
	}
	return batch, kept
}

func (s *Sender) applyVerdict(ctx context.Context, rec queue.Record, ack wire.PublishAck, nowNs int64) {
	switch ack.Status {
	case wire.StatusAccepted, wire.StatusDuplicate:
		_ = s.queue.Ack(ctx, []string{rec.EventID})
	case wire.StatusRejected:
		// Poison record: terminal, but still counted DONE so it cannot
		// stall the queue behind it.
		_ = s.queue.Ack(ctx, []string{rec.EventID})
		s.DroppedRejected++
		s.log.WithField("event_id", rec.EventID).Info("envelope rejected by bus, dropping")
	case wire.StatusRetry:
		backoffNs := ack.RetryAfterMs * int64(time.Millisecond)
		if backoffNs <= 0 {
			backoffNs = int64(s.backoff.NextDelay(rec.Attempts))
		}
		_ = s.queue.Nack(ctx, []string{rec.EventID}, nowNs, backoffNs)
	default:
		_ = s.queue.Nack(ctx, []string{rec.EventID}, nowNs, int64(s.backoff.NextDelay(rec.Attempts)))
	}
}

func (s *Sender) nackAll(ctx context.Context, records []queue.Record, nowNs int64, cause error) {
	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.EventID
	}
	delay := int64(s.backoff.NextDelay(0))
	if len(records) > 0 {
		delay = int64(s.backoff.NextDelay(records[0].Attempts))
	}
	_ = s.queue.Nack(ctx, ids, nowNs, delay)
	s.log.WithField("count", len(records)).WithError(cause).Warn("batch send failed, records returned to PENDING")
}
