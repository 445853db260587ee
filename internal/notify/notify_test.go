package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/ramazulay/email-relay/internal/backend"
	"github.com/ramazulay/email-relay/internal/events"
	"github.com/ramazulay/email-relay/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const topicARN = "arn:aws:sns:us-west-1:123456789012:email-archived"

type fakeSNS struct {
	mu        sync.Mutex
	published []*sns.PublishInput
	err       error
}

func (f *fakeSNS) Publish(_ context.Context, params *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, params)
	if f.err != nil {
		return nil, f.err
	}
	return &sns.PublishOutput{MessageId: aws.String("n-1")}, nil
}

func (f *fakeSNS) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func (f *fakeSNS) first() *sns.PublishInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[0]
}

func TestNotifyPublishesEvent(t *testing.T) {
	t.Parallel()
	api := &fakeSNS{}
	fwd := notify.NewForwarder(api, topicARN, "archive-bucket", time.Second)
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	err := fwd.Notify(context.Background(), events.ArchivedEvent{MessageID: "m1", Key: "k1", ArchivedAt: at})

	require.NoError(t, err)
	require.Equal(t, 1, api.count())
	in := api.first()
	assert.Equal(t, topicARN, aws.ToString(in.TopicArn))
	assert.Equal(t, "archived", aws.ToString(in.MessageAttributes["event_type"].StringValue))

	var got notify.Notification
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(in.Message)), &got))
	assert.Equal(t, notify.Notification{MessageID: "m1", Bucket: "archive-bucket", Key: "k1", ArchivedAt: at}, got)
}

func TestNotifyWrapsFailure(t *testing.T) {
	t.Parallel()
	api := &fakeSNS{err: errors.New("topic gone")}
	fwd := notify.NewForwarder(api, topicARN, "archive-bucket", time.Second)

	err := fwd.Notify(context.Background(), events.ArchivedEvent{MessageID: "m1"})

	require.Error(t, err)
	assert.ErrorAs(t, err, new(*backend.Error))
}

func TestRunForwardsBusEvents(t *testing.T) {
	t.Parallel()
	api := &fakeSNS{}
	fwd := notify.NewForwarder(api, topicARN, "archive-bucket", time.Second)
	bus := events.NewEventBus()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		fwd.Run(ctx, bus)
		close(done)
	}()
	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	bus.Publish(events.ArchivedEvent{MessageID: "m1", Key: "k1"})
	require.Eventually(t, func() bool { return api.count() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("forwarder did not stop")
	}
	assert.Equal(t, 0, bus.Subscribers())
}

func TestRunSurvivesPublishFailure(t *testing.T) {
	t.Parallel()
	api := &fakeSNS{err: errors.New("throttled")}
	fwd := notify.NewForwarder(api, topicARN, "archive-bucket", time.Second)
	bus := events.NewEventBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go fwd.Run(ctx, bus)
	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	bus.Publish(events.ArchivedEvent{MessageID: "m1"})
	bus.Publish(events.ArchivedEvent{MessageID: "m2"})

	require.Eventually(t, func() bool { return api.count() == 2 }, time.Second, 5*time.Millisecond)
}
