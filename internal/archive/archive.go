package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ramazulay/email-relay/internal/queue"
)

const ContentTypeJSON = "application/json"

// Object metadata keys written alongside each record.
const (
	MetadataMessageID   = "message-id"
	MetadataProcessedAt = "processed-at"
)

// Store is a durable key/object store. Put overwrites, so writing the same
// key twice is safe.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) error
}

// Record is the archived form of one queue message.
type Record struct {
	MessageID         string            `json:"message_id"`
	Body              string            `json:"body"`
	ParsedBody        json.RawMessage   `json:"parsed_body,omitempty"`
	Attributes        map[string]string `json:"attributes"`
	MessageAttributes map[string]string `json:"message_attributes"`
	ReceivedAt        string            `json:"received_at"`
	ReceiptHandle     string            `json:"receipt_handle"`
}

// NewRecord builds a record from msg. The body is re-parsed as JSON on a best
// effort basis; a body that is not JSON is kept only in raw form.
func NewRecord(msg queue.Message, receivedAt time.Time) Record {
	rec := Record{
		MessageID:         msg.ID,
		Body:              msg.Body,
		Attributes:        nonNil(msg.Attributes),
		MessageAttributes: nonNil(msg.MessageAttributes),
		ReceivedAt:        receivedAt.UTC().Format(time.RFC3339Nano),
		ReceiptHandle:     msg.ReceiptHandle,
	}
	if msg.Body != "" && json.Valid([]byte(msg.Body)) {
		rec.ParsedBody = json.RawMessage(msg.Body)
	}
	return rec
}

func (r Record) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal archive record %s: %w", r.MessageID, err)
	}
	return data, nil
}

// Key derives <prefix>/YYYY/MM/DD/HH/<messageID>.json. The hour bucket comes
// from the queue's SentTimestamp attribute so every delivery of a message
// lands on the same key; fallback is used only when that attribute is absent.
func Key(prefix string, msg queue.Message, fallback time.Time) string {
	bucketTime := fallback
	if raw, ok := msg.Attributes[queue.AttributeSentTimestamp]; ok {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
			bucketTime = time.UnixMilli(ms)
		}
	}
	prefix = strings.Trim(prefix, "/")
	name := fmt.Sprintf("%s/%s.json", bucketTime.UTC().Format("2006/01/02/15"), msg.ID)
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
