package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ramazulay/email-relay/internal/archive"
	"github.com/ramazulay/email-relay/internal/events"
	"github.com/ramazulay/email-relay/internal/health"
	"github.com/ramazulay/email-relay/internal/metrics"
	"github.com/ramazulay/email-relay/internal/queue"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBatchSize      = 10
	DefaultWaitTime       = 20 * time.Second
	DefaultPollInterval   = 30 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultConcurrency    = 1
)

type Options struct {
	// BatchSize is the most messages requested per poll.
	BatchSize int
	// WaitTime bounds the long poll.
	WaitTime time.Duration
	// PollInterval is the wait between the end of one cycle and the next poll.
	PollInterval time.Duration
	// RequestTimeout bounds each archive write and each queue delete.
	RequestTimeout time.Duration
	// Concurrency is how many messages of a batch are processed at once.
	Concurrency int
	KeyPrefix   string
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

func (o *Options) applyDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.WaitTime < 0 {
		o.WaitTime = DefaultWaitTime
	}
	if o.PollInterval < 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.TracerProvider == nil {
		o.TracerProvider = otel.GetTracerProvider()
	}
}

// CycleResult summarizes one poll and process cycle.
type CycleResult struct {
	Received int
	Archived int
	Failed   int
}

// Consumer drains the queue into the archive. A message is deleted from the
// queue only after its archive write succeeded; anything else leaves it to be
// redelivered after the visibility timeout, which is why archive keys must be
// stable per message.
type Consumer struct {
	queue  queue.Queue
	store  archive.Store
	health *health.State
	bus    *events.EventBus
	opts   Options
	now    func() time.Time
	tracer trace.Tracer
}

func NewConsumer(q queue.Queue, store archive.Store, state *health.State, bus *events.EventBus, opts Options) *Consumer {
	opts.applyDefaults()
	return &Consumer{
		queue:  q,
		store:  store,
		health: state,
		bus:    bus,
		opts:   opts,
		now:    time.Now,
		tracer: opts.TracerProvider.Tracer("github.com/ramazulay/email-relay/internal/relay"),
	}
}

// Run polls until ctx is cancelled. Cancellation is observed during the long
// poll and during the inter-cycle wait; a message whose archive write has
// started is always carried through to its delete.
func (c *Consumer) Run(ctx context.Context) {
	slog.Info("Starting relay loop",
		"batch_size", c.opts.BatchSize,
		"wait_time", c.opts.WaitTime,
		"poll_interval", c.opts.PollInterval,
		"concurrency", c.opts.Concurrency,
		"prefix", c.opts.KeyPrefix)

	for ctx.Err() == nil {
		c.safeCycle(ctx)

		if ctx.Err() != nil {
			break
		}
		slog.Debug("Waiting before next poll", "interval", c.opts.PollInterval)
		timer := time.NewTimer(c.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
	slog.Info("Relay loop stopped")
}

func (c *Consumer) safeCycle(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.CycleDuration.Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			slog.Error("Unexpected error in relay cycle", "error", fmt.Sprint(r))
			c.health.SetStatus(health.StatusUnhealthy)
		}
	}()
	_, _ = c.RunCycle(ctx)
}

// RunCycle performs one poll and processes the received batch. The error is
// non-nil only when the poll itself failed; per-message failures are counted
// in the result and never abort the batch.
func (c *Consumer) RunCycle(ctx context.Context) (CycleResult, error) {
	var result CycleResult
	ctx, span := c.tracer.Start(ctx, "relay.cycle")
	defer span.End()

	msgs, err := c.queue.ReceiveBatch(ctx, c.opts.BatchSize, c.opts.WaitTime)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown interrupted the long poll.
			return result, ctx.Err()
		}
		slog.Error("Error polling queue", "error", err)
		metrics.PollsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "poll failed")
		c.health.SetStatus(health.StatusUnhealthy)
		return result, fmt.Errorf("failed to poll queue: %w", err)
	}
	metrics.PollsTotal.WithLabelValues("ok").Inc()
	metrics.MessagesReceivedTotal.Add(float64(len(msgs)))
	result.Received = len(msgs)
	span.SetAttributes(attribute.Int("relay.received", len(msgs)))

	if len(msgs) == 0 {
		slog.Info("No messages to process")
	} else {
		slog.Info("Processing messages", "count", len(msgs))
		var archived atomic.Int64
		grp := errgroup.Group{}
		grp.SetLimit(c.opts.Concurrency)
		for _, msg := range msgs {
			msg := msg
			grp.Go(func() error {
				if c.safeProcess(ctx, msg) {
					archived.Add(1)
				}
				return nil
			})
		}
		_ = grp.Wait()
		result.Archived = int(archived.Load())
		result.Failed = result.Received - result.Archived
		slog.Info("Processed messages", "archived", result.Archived, "failed", result.Failed, "received", result.Received)
	}

	c.health.MarkPolled(c.now())
	return result, nil
}

// safeProcess contains a panic to its message, which stays on the queue.
func (c *Consumer) safeProcess(ctx context.Context, msg queue.Message) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Unexpected error processing message, leaving it on the queue", "message_id", msg.ID, "error", fmt.Sprint(r))
			metrics.ArchiveFailuresTotal.WithLabelValues(metrics.StagePanic).Inc()
			ok = false
		}
	}()
	return c.process(ctx, msg)
}

// process archives msg and then deletes it from the queue. It reports whether
// both steps succeeded. The sequence runs detached from ctx cancellation so a
// shutdown never cuts it in half; each backend call is bounded by
// RequestTimeout instead.
func (c *Consumer) process(ctx context.Context, msg queue.Message) bool {
	ctx = context.WithoutCancel(ctx)
	ctx, span := c.tracer.Start(ctx, "relay.process", trace.WithAttributes(attribute.String("messaging.message.id", msg.ID)))
	defer span.End()

	receivedAt := c.now()
	key := archive.Key(c.opts.KeyPrefix, msg, receivedAt)
	span.SetAttributes(attribute.String("archive.key", key))

	body, err := archive.NewRecord(msg, receivedAt).Marshal()
	if err != nil {
		slog.Error("Failed to build archive record", "message_id", msg.ID, "error", err)
		metrics.ArchiveFailuresTotal.WithLabelValues(metrics.StageMarshal).Inc()
		span.SetStatus(codes.Error, "marshal failed")
		return false
	}

	putCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	err = c.store.Put(putCtx, key, body, archive.ContentTypeJSON, map[string]string{
		archive.MetadataMessageID:   msg.ID,
		archive.MetadataProcessedAt: receivedAt.UTC().Format(time.RFC3339),
	})
	cancel()
	if err != nil {
		slog.Error("Failed to archive message, leaving it on the queue", "message_id", msg.ID, "key", key, "error", err)
		metrics.ArchiveFailuresTotal.WithLabelValues(metrics.StagePut).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "archive write failed")
		return false
	}
	slog.Info("Archived message", "message_id", msg.ID, "key", key)

	delCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	err = c.queue.Delete(delCtx, msg.ReceiptHandle)
	cancel()
	if err != nil {
		slog.Error("Failed to delete archived message, it will be redelivered", "message_id", msg.ID, "key", key, "error", err)
		metrics.ArchiveFailuresTotal.WithLabelValues(metrics.StageDelete).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete failed")
		return false
	}
	slog.Info("Deleted message from queue", "message_id", msg.ID)

	c.health.AddProcessed(1)
	metrics.MessagesArchivedTotal.Inc()
	c.bus.Publish(events.ArchivedEvent{
		MessageID:  msg.ID,
		Key:        key,
		ArchivedAt: c.now().UTC(),
	})
	return true
}
