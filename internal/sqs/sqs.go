package sqs

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/ramazulay/email-relay/internal/backend"
	"github.com/ramazulay/email-relay/internal/queue"
)

const service = "sqs"

// Queue adapts a single SQS queue to queue.Queue.
type Queue struct {
	client   API
	queueURL string
}

var _ queue.Queue = (*Queue)(nil)

func NewQueue(client API, queueURL string) *Queue {
	return &Queue{client: client, queueURL: queueURL}
}

func NewFromConfig(cfg aws.Config, queueURL string) *Queue {
	return NewQueue(sqs.NewFromConfig(cfg), queueURL)
}

// Check verifies the queue exists and is reachable with the current
// credentials.
func (q *Queue) Check(ctx context.Context) error {
	resp, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(q.queueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return backend.Wrap(service, "GetQueueAttributes", err)
	}
	slog.Info("SQS queue is accessible", "queue_url", q.queueURL,
		"approximate_messages", resp.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)])
	return nil
}

func (q *Queue) Enqueue(ctx context.Context, body string, metadata map[string]string) (string, error) {
	attrs := make(map[string]types.MessageAttributeValue, len(metadata))
	for k, v := range metadata {
		attrs[k] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}
	resp, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(q.queueURL),
		MessageBody:       aws.String(body),
		MessageAttributes: attrs,
	})
	if err != nil {
		return "", backend.Wrap(service, "SendMessage", err)
	}
	if resp.MessageId == nil {
		return "", backend.Wrap(service, "SendMessage", errors.New("response carried no message id"))
	}
	return *resp.MessageId, nil
}

// ReceiveBatch long-polls for up to maxCount messages, waiting at most wait.
// Both are clamped to the SQS limits.
func (q *Queue) ReceiveBatch(ctx context.Context, maxCount int, wait time.Duration) ([]queue.Message, error) {
	maxCount = min(max(maxCount, 1), maxBatchSize)
	waitSeconds := min(max(int(wait/time.Second), 0), maxWaitSeconds)

	slog.Debug("Polling SQS queue", "queue_url", q.queueURL, "max", maxCount, "wait_seconds", waitSeconds)
	resp, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(q.queueURL),
		MaxNumberOfMessages:         int32(maxCount),
		WaitTimeSeconds:             int32(waitSeconds),
		MessageAttributeNames:       []string{"All"},
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameAll},
	})
	if err != nil {
		return nil, backend.Wrap(service, "ReceiveMessage", err)
	}

	msgs := make([]queue.Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		msgs = append(msgs, toMessage(m))
	}
	slog.Info("Received messages from SQS", "count", len(msgs))
	return msgs, nil
}

func (q *Queue) Delete(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	return backend.Wrap(service, "DeleteMessage", err)
}

func toMessage(m types.Message) queue.Message {
	msg := queue.Message{
		ID:                aws.ToString(m.MessageId),
		ReceiptHandle:     aws.ToString(m.ReceiptHandle),
		Body:              aws.ToString(m.Body),
		Attributes:        make(map[string]string, len(m.Attributes)),
		MessageAttributes: make(map[string]string, len(m.MessageAttributes)),
	}
	for k, v := range m.Attributes {
		msg.Attributes[k] = v
	}
	for k, v := range m.MessageAttributes {
		switch {
		case v.StringValue != nil:
			msg.MessageAttributes[k] = *v.StringValue
		case v.BinaryValue != nil:
			msg.MessageAttributes[k] = base64.StdEncoding.EncodeToString(v.BinaryValue)
		}
	}
	return msg
}
