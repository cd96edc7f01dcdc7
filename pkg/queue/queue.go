package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Publisher enqueues messages for later processing.
type Publisher interface {
	Enqueue(ctx context.Context, msgType string, payload interface{}) error
	EnqueueAt(ctx context.Context, msgType string, payload interface{}, at time.Time) error
}

// QueueConfig contains the configuration for the queue
type QueueConfig struct {
	Workers    int           // number of workers
	RetryLimit int           // number of maximum retries
	RetryDelay time.Duration // time delay between retries
	// PollInterval is how often scheduled messages are checked.
	PollInterval time.Duration
}

// Message represents a message in the queue
type Message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	Timestamp time.Time       `json:"timestamp"`
	LastError string          `json:"last_error,omitempty"`
}

// Stats are the sizes of the queue lists.
type Stats struct {
	Ready     int64 `json:"ready"`
	Scheduled int64 `json:"scheduled"`
	Dead      int64 `json:"dead"`
}

// ParsePayload decodes a message payload into T.
func ParsePayload[T any](payload json.RawMessage) (*T, error) {
	var result T
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return &result, nil
}
