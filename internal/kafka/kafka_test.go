package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	segkafka "github.com/segmentio/kafka-go"
)

func TestValidateDLQ(t *testing.T) {
	cfg := Config{Brokers: []string{"b1"}, DLQTopic: "tasks.dlq"}
	if err := cfg.ValidateDLQ(); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !cfg.Enabled() {
		t.Fatalf("expected enabled")
	}
}

func TestValidateDLQMissing(t *testing.T) {
	cases := []Config{{}, {Brokers: []string{"b1"}}}
	for _, cfg := range cases {
		if err := cfg.ValidateDLQ(); err == nil {
			t.Fatalf("expected error for %+v", cfg)
		}
	}
	if (Config{}).Enabled() {
		t.Fatalf("expected disabled without brokers")
	}
}

func TestNewDeadLetterMessage(t *testing.T) {
	failedAt := time.UnixMilli(1_700_000_000_000).UTC()
	msg, err := NewDeadLetterMessage(DeadLetter{
		JobID:     "u1-1",
		Queue:     "tasks",
		Payload:   json.RawMessage(`{"user_id":"u1"}`),
		Attempts:  3,
		LastError: "boom",
		FailedAt:  failedAt,
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if msg.Key != "u1-1" {
		t.Fatalf("key = %q", msg.Key)
	}
	var decoded DeadLetter
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Attempts != 3 || decoded.LastError != "boom" || !decoded.FailedAt.Equal(failedAt) {
		t.Fatalf("unexpected dead letter %+v", decoded)
	}
}

type fakeWriter struct {
	msgs   []segkafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...segkafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return w.err
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestDLQProducerPublish(t *testing.T) {
	w := &fakeWriter{}
	p := newDLQProducerWithWriter(w, "tasks.dlq")

	if err := p.Publish(context.Background(), "", Message{Key: "j1", Value: []byte("v")}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(w.msgs) != 1 || w.msgs[0].Topic != "tasks.dlq" || string(w.msgs[0].Key) != "j1" {
		t.Fatalf("unexpected messages %+v", w.msgs)
	}
	if err := p.Close(); err != nil || !w.closed {
		t.Fatalf("expected writer to be closed")
	}
}

func TestDLQProducerPublishError(t *testing.T) {
	expected := errors.New("leader not available")
	p := newDLQProducerWithWriter(&fakeWriter{err: expected}, "tasks.dlq")
	if err := p.Publish(context.Background(), "other", Message{Key: "j1"}); !errors.Is(err, expected) {
		t.Fatalf("expected %v, got %v", expected, err)
	}
}

func TestDLQProducerNotConfigured(t *testing.T) {
	var p *DLQProducer
	if err := p.Publish(context.Background(), "t", Message{}); err == nil {
		t.Fatalf("expected error")
	}
}

type closer struct{}

func (closer) Close() error { return nil }

func TestCheckConnectivity(t *testing.T) {
	if err := checkConnectivity(context.Background(), nil, nil); err == nil {
		t.Fatalf("expected error without brokers")
	}
	var dialed string
	err := checkConnectivity(context.Background(), []string{"b1:9092"}, func(ctx context.Context, network, address string) (io.Closer, error) {
		dialed = address
		return closer{}, nil
	})
	if err != nil || dialed != "b1:9092" {
		t.Fatalf("dialed %q err %v", dialed, err)
	}
}

func TestCheckConnectivityFallsBackToNextBroker(t *testing.T) {
	down := errors.New("connection refused")
	err := checkConnectivity(context.Background(), []string{"b1", "b2"}, func(ctx context.Context, network, address string) (io.Closer, error) {
		if address == "b1" {
			return nil, down
		}
		return closer{}, nil
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	err = checkConnectivity(context.Background(), []string{"b1"}, func(ctx context.Context, network, address string) (io.Closer, error) {
		return nil, down
	})
	if !errors.Is(err, down) {
		t.Fatalf("expected %v, got %v", down, err)
	}
}
