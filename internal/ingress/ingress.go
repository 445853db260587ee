package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ramazulay/email-relay/internal/archive"
	"github.com/ramazulay/email-relay/internal/metrics"
	"github.com/ramazulay/email-relay/internal/queue"
	"github.com/ramazulay/email-relay/internal/validator"
)

type Kind int

const (
	KindBadPayload Kind = iota
	KindUnauthorized
	KindBadRequest
	KindUnavailable
	KindPublishFailed
)

func (k Kind) String() string {
	switch k {
	case KindBadPayload:
		return metrics.OutcomeBadPayload
	case KindUnauthorized:
		return metrics.OutcomeUnauthorized
	case KindBadRequest:
		return metrics.OutcomeBadRequest
	case KindUnavailable:
		return metrics.OutcomeUnavailable
	case KindPublishFailed:
		return metrics.OutcomePublishFailed
	default:
		return "unknown"
	}
}

// IngestError is returned by Submit. Message is safe to show to the caller;
// Err carries the underlying cause for logs only.
type IngestError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *IngestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *IngestError) Unwrap() error {
	return e.Err
}

var ErrBadPayload = errors.New("bad payload")

type Publisher struct {
	validator      *validator.Validator
	queue          queue.Queue
	requestTimeout time.Duration
	now            func() time.Time
}

func NewPublisher(v *validator.Validator, q queue.Queue, requestTimeout time.Duration) *Publisher {
	return &Publisher{
		validator:      v,
		queue:          q,
		requestTimeout: requestTimeout,
		now:            time.Now,
	}
}

// Submit validates raw and enqueues its data member. It enqueues at most once
// and never retries; a failed publish is for the caller to resubmit.
func (p *Publisher) Submit(ctx context.Context, raw []byte) (string, error) {
	id, err := p.submit(ctx, raw)
	var ie *IngestError
	if errors.As(err, &ie) {
		metrics.IngestRequestsTotal.WithLabelValues(ie.Kind.String()).Inc()
	} else if err == nil {
		metrics.IngestRequestsTotal.WithLabelValues(metrics.OutcomeAccepted).Inc()
	}
	return id, err
}

func (p *Publisher) submit(ctx context.Context, raw []byte) (string, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil || len(envelope) == 0 {
		return "", &IngestError{Kind: KindBadPayload, Message: "Invalid JSON payload", Err: ErrBadPayload}
	}

	rawToken, hasToken := envelope["token"]
	token, tokenIsString := decodeToken(rawToken)
	if !hasToken || (tokenIsString && token == "") {
		return "", &IngestError{Kind: KindUnauthorized, Message: "Token is required", Err: validator.ErrMissingSecret}
	}

	data, msg := decodeData(envelope["data"])
	if data == nil {
		return "", &IngestError{Kind: KindBadPayload, Message: msg, Err: ErrBadPayload}
	}

	if !tokenIsString {
		return "", classify(validator.ErrSecretMismatch)
	}
	if err := p.validator.Validate(ctx, token, data); err != nil {
		return "", classify(err)
	}

	body, err := json.Marshal(data)
	if err != nil {
		return "", &IngestError{Kind: KindBadPayload, Message: "Invalid JSON payload", Err: err}
	}

	metadata := map[string]string{
		queue.MetadataContentType: archive.ContentTypeJSON,
		queue.MetadataProcessedAt: p.now().UTC().Format(time.RFC3339Nano),
	}

	enqueueCtx, cancel := context.WithTimeout(ctx, p.requestTimeout)
	defer cancel()
	id, err := p.queue.Enqueue(enqueueCtx, string(body), metadata)
	if err != nil {
		return "", &IngestError{Kind: KindPublishFailed, Message: "Failed to queue email data", Err: err}
	}
	slog.Info("Message published to queue", "message_id", id)
	return id, nil
}

func decodeToken(raw json.RawMessage) (string, bool) {
	var token string
	if err := json.Unmarshal(raw, &token); err != nil {
		return "", false
	}
	return token, true
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// decodeData returns the data member as an object, or nil and the message
// to report when it is absent or not an object.
func decodeData(raw json.RawMessage) (map[string]any, string) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || isNull(trimmed) {
		return nil, "Data is required"
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, "Data must be an object"
	}
	if len(data) == 0 {
		return nil, "Data is required"
	}
	return data, ""
}

func classify(err error) error {
	switch {
	case validator.IsAuthError(err):
		msg := "Invalid token"
		if errors.Is(err, validator.ErrMissingSecret) {
			msg = "Token is required"
		}
		return &IngestError{Kind: KindUnauthorized, Message: msg, Err: err}
	case errors.Is(err, validator.ErrSecretUnavailable):
		return &IngestError{Kind: KindUnavailable, Message: "Token could not be verified", Err: err}
	}
	var (
		missing *validator.MissingFieldsError
		empty   *validator.EmptyFieldsError
		badTS   *validator.InvalidTimestampError
	)
	if errors.As(err, &missing) || errors.As(err, &empty) || errors.As(err, &badTS) {
		return &IngestError{Kind: KindBadRequest, Message: err.Error(), Err: err}
	}
	return &IngestError{Kind: KindBadRequest, Message: "Invalid request", Err: err}
}
