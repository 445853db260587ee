// Package notify forwards archive events to an SNS topic.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/ramazulay/email-relay/internal/backend"
	"github.com/ramazulay/email-relay/internal/events"
	"github.com/ramazulay/email-relay/internal/metrics"
)

const (
	service       = "sns"
	subjectLine   = "Email event archived"
	eventTypeAttr = "event_type"
	bufferSize    = 64
)

type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Notification is the JSON body published for each archived message.
type Notification struct {
	MessageID  string    `json:"message_id"`
	Bucket     string    `json:"bucket"`
	Key        string    `json:"key"`
	ArchivedAt time.Time `json:"archived_at"`
}

// Forwarder publishes archive events. Publishing happens off the relay loop,
// so a slow or failing topic never delays queue commits.
type Forwarder struct {
	client         API
	topicARN       string
	bucket         string
	requestTimeout time.Duration
}

func NewForwarder(client API, topicARN, bucket string, requestTimeout time.Duration) *Forwarder {
	return &Forwarder{
		client:         client,
		topicARN:       topicARN,
		bucket:         bucket,
		requestTimeout: requestTimeout,
	}
}

func NewFromConfig(cfg aws.Config, topicARN, bucket string, requestTimeout time.Duration) *Forwarder {
	return NewForwarder(sns.NewFromConfig(cfg), topicARN, bucket, requestTimeout)
}

// Run consumes bus until ctx is done.
func (f *Forwarder) Run(ctx context.Context, bus *events.EventBus) {
	id, ch := bus.Subscribe(bufferSize)
	defer bus.Unsubscribe(id)

	slog.Info("Forwarding archive events", "topic_arn", f.topicARN)
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-ch:
			archived, ok := event.(events.ArchivedEvent)
			if !ok {
				continue
			}
			if err := f.Notify(ctx, archived); err != nil {
				metrics.NotificationFailuresTotal.Inc()
				slog.Warn("Failed to publish archive notification", "message_id", archived.MessageID, "error", err)
			}
		}
	}
}

// Notify publishes a single event.
func (f *Forwarder) Notify(ctx context.Context, event events.ArchivedEvent) error {
	body, err := json.Marshal(Notification{
		MessageID:  event.MessageID,
		Bucket:     f.bucket,
		Key:        event.Key,
		ArchivedAt: event.ArchivedAt.UTC(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, f.requestTimeout)
	defer cancel()

	_, err = f.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(f.topicARN),
		Subject:  aws.String(subjectLine),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			eventTypeAttr: {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.GetType())),
			},
		},
	})
	return backend.Wrap(service, "Publish", err)
}
