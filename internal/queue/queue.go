package queue

import (
	"context"
	"time"
)

// Metadata keys attached to every enqueued ingest event.
const (
	MetadataContentType = "ContentType"
	MetadataProcessedAt = "ProcessedAt"
)

// AttributeSentTimestamp is the queue-assigned send time in epoch
// milliseconds. It is stable across redeliveries of the same message.
const AttributeSentTimestamp = "SentTimestamp"

// Message is one received queue entry. ReceiptHandle is single-use and only
// valid until the visibility timeout of this receive expires.
type Message struct {
	ID                string
	ReceiptHandle     string
	Body              string
	Attributes        map[string]string
	MessageAttributes map[string]string
}

// Queue is a durable at-least-once message store. A received message that is
// not deleted reappears after its visibility timeout.
type Queue interface {
	Enqueue(ctx context.Context, body string, metadata map[string]string) (string, error)
	ReceiveBatch(ctx context.Context, maxCount int, wait time.Duration) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}
