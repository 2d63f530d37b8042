// Package worker drains the audit outbox to Kafka. Events land in the outbox
// inside the same transaction as the domain change, so the worker only ever
// publishes facts that committed.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"veto/internal/audit/store/postgres"
)

const fetchBatchSize = 100

// Outbox is the slice of the audit store the worker needs.
type Outbox interface {
	FetchUnpublished(ctx context.Context, limit int) ([]postgres.OutboxEntry, error)
	MarkPublished(ctx context.Context, ids []uuid.UUID) error
}

// Worker polls the outbox and publishes staged entries to a Kafka topic.
type Worker struct {
	outbox   Outbox
	client   *kgo.Client
	topic    string
	interval time.Duration
	logger   *slog.Logger
}

func New(outbox Outbox, client *kgo.Client, topic string, interval time.Duration, logger *slog.Logger) *Worker {
	return &Worker{
		outbox:   outbox,
		client:   client,
		topic:    topic,
		interval: interval,
		logger:   logger,
	}
}

// Run polls until ctx is cancelled. Publish failures are logged and retried on
// the next tick; entries are only marked published after the broker acks.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.drain(ctx); err != nil && ctx.Err() == nil {
				w.logger.ErrorContext(ctx, "outbox drain failed", "error", err)
			}
		}
	}
}

func (w *Worker) drain(ctx context.Context) error {
	entries, err := w.outbox.FetchUnpublished(ctx, fetchBatchSize)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	records := make([]*kgo.Record, 0, len(entries))
	for _, e := range entries {
		records = append(records, &kgo.Record{
			Topic: w.topic,
			Key:   []byte(e.EventType),
			Value: e.Payload,
		})
	}
	if err := w.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return err
	}

	ids := make([]uuid.UUID, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	return w.outbox.MarkPublished(ctx, ids)
}
