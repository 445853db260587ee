// Package mocks holds in-memory doubles for the external services, used by
// the ingress and relay tests.
package mocks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ramazulay/email-relay/internal/queue"
)

type MockSecretProvider struct {
	mu     sync.Mutex
	Secret string
	Err    error
	Calls  int
}

func (m *MockSecretProvider) CurrentSecret(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.Err != nil {
		return "", m.Err
	}
	return m.Secret, nil
}

func (m *MockSecretProvider) Rotate(secret string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Secret = secret
}

type EnqueuedMessage struct {
	ID       string
	Body     string
	Metadata map[string]string
}

// MockQueue records enqueues and serves ReceiveBatch from Pending. Deleting a
// handle removes the matching pending message.
type MockQueue struct {
	mu         sync.Mutex
	Enqueued   []EnqueuedMessage
	Pending    []queue.Message
	Deleted    []string
	Receives   int
	EnqueueErr error
	ReceiveErr error
	// DeleteErrs fails Delete for the listed receipt handles.
	DeleteErrs map[string]error
	// ReceivePanic makes ReceiveBatch panic, simulating an unclassified fault.
	ReceivePanic bool
}

func (m *MockQueue) Enqueue(_ context.Context, body string, metadata map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EnqueueErr != nil {
		return "", m.EnqueueErr
	}
	id := uuid.NewString()
	m.Enqueued = append(m.Enqueued, EnqueuedMessage{ID: id, Body: body, Metadata: metadata})
	return id, nil
}

func (m *MockQueue) ReceiveBatch(ctx context.Context, maxCount int, _ time.Duration) ([]queue.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Receives++
	if m.ReceivePanic {
		panic("queue exploded")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.ReceiveErr != nil {
		return nil, m.ReceiveErr
	}
	n := min(maxCount, len(m.Pending))
	out := make([]queue.Message, n)
	copy(out, m.Pending[:n])
	return out, nil
}

func (m *MockQueue) Delete(_ context.Context, receiptHandle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.DeleteErrs[receiptHandle]; ok {
		return err
	}
	for i, msg := range m.Pending {
		if msg.ReceiptHandle == receiptHandle {
			m.Pending = append(m.Pending[:i], m.Pending[i+1:]...)
			m.Deleted = append(m.Deleted, receiptHandle)
			return nil
		}
	}
	return errors.New("receipt handle not found")
}

// Redeliver puts msg back as if its visibility timeout had expired, issuing a
// fresh receipt handle.
func (m *MockQueue) Redeliver(msg queue.Message) queue.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.ReceiptHandle = uuid.NewString()
	m.Pending = append(m.Pending, msg)
	return msg
}

func (m *MockQueue) DeletedHandles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Deleted...)
}

func (m *MockQueue) ReceiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Receives
}

func (m *MockQueue) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Pending)
}

type StoredObject struct {
	Body        []byte
	ContentType string
	Metadata    map[string]string
}

// MockStore is a key/object map with overwrite semantics.
type MockStore struct {
	mu      sync.Mutex
	Objects map[string]StoredObject
	Puts    int
	PutErr  error
	// PutErrs fails Put for the listed keys.
	PutErrs map[string]error
	// PutDelay blocks Put until it elapses or ctx is done.
	PutDelay time.Duration
	// PutPanics makes Put panic for the listed keys.
	PutPanics map[string]bool
}

func (m *MockStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key == "" {
		return true, nil
	}
	_, ok := m.Objects[key]
	return ok, nil
}

func (m *MockStore) Put(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) error {
	if m.PutDelay > 0 {
		select {
		case <-time.After(m.PutDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Puts++
	if m.PutPanics[key] {
		panic("put " + key)
	}
	if m.PutErr != nil {
		return m.PutErr
	}
	if err, ok := m.PutErrs[key]; ok {
		return err
	}
	if m.Objects == nil {
		m.Objects = map[string]StoredObject{}
	}
	m.Objects[key] = StoredObject{Body: body, ContentType: contentType, Metadata: metadata}
	return nil
}

func (m *MockStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.Objects))
	for k := range m.Objects {
		keys = append(keys, k)
	}
	return keys
}

func (m *MockStore) Object(key string) (StoredObject, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.Objects[key]
	return obj, ok
}
