// Package kafka publishes terminally failed jobs to a dead-letter topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Brokers  []string `yaml:"brokers"`
	DLQTopic string   `yaml:"dlq_topic"`
	ClientID string   `yaml:"client_id"`
}

// Enabled reports whether dead letters should be published at all. Without
// brokers terminal failures are only logged.
func (c Config) Enabled() bool {
	return len(c.Brokers) > 0
}

func (c Config) ValidateDLQ() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required")
	}
	if strings.TrimSpace(c.DLQTopic) == "" {
		return fmt.Errorf("kafka.dlq_topic is required")
	}
	return nil
}

// DeadLetter describes a job that exhausted its attempts.
type DeadLetter struct {
	JobID     string          `json:"job_id"`
	Queue     string          `json:"queue"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Attempts  int64           `json:"attempts"`
	LastError string          `json:"last_error"`
	WorkerID  string          `json:"worker_id"`
	FailedAt  time.Time       `json:"failed_at"`
}

type Message struct {
	Key   string
	Value []byte
}

// NewDeadLetterMessage encodes d keyed by job id so every failure of one job
// lands in the same partition.
func NewDeadLetterMessage(d DeadLetter) (Message, error) {
	value, err := json.Marshal(d)
	if err != nil {
		return Message{}, err
	}
	return Message{Key: d.JobID, Value: value}, nil
}

type Producer interface {
	Publish(ctx context.Context, topic string, msg Message) error
}

type NoopProducer struct{}

func (p *NoopProducer) Publish(ctx context.Context, topic string, msg Message) error {
	return nil
}
