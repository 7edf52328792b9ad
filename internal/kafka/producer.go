package kafka

import (
	"context"
	"fmt"
	"time"

	segkafka "github.com/segmentio/kafka-go"
)

type writer interface {
	WriteMessages(ctx context.Context, msgs ...segkafka.Message) error
	Close() error
}

// DLQProducer writes dead letters with kafka-go. Writes are synchronous so a
// failed publish is visible to the caller.
type DLQProducer struct {
	writer writer
	topic  string
}

func NewDLQProducer(cfg Config) (*DLQProducer, error) {
	if err := cfg.ValidateDLQ(); err != nil {
		return nil, err
	}
	w := &segkafka.Writer{
		Addr:         segkafka.TCP(cfg.Brokers...),
		Balancer:     &segkafka.Hash{},
		RequiredAcks: segkafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	if cfg.ClientID != "" {
		w.Transport = &segkafka.Transport{ClientID: cfg.ClientID}
	}
	return &DLQProducer{writer: w, topic: cfg.DLQTopic}, nil
}

func newDLQProducerWithWriter(w writer, topic string) *DLQProducer {
	return &DLQProducer{writer: w, topic: topic}
}

func (p *DLQProducer) Topic() string {
	return p.topic
}

func (p *DLQProducer) Publish(ctx context.Context, topic string, msg Message) error {
	if p == nil || p.writer == nil {
		return fmt.Errorf("kafka producer not configured")
	}
	if topic == "" {
		topic = p.topic
	}
	return p.writer.WriteMessages(ctx, segkafka.Message{
		Topic: topic,
		Key:   []byte(msg.Key),
		Value: msg.Value,
		Time:  time.Now(),
	})
}

func (p *DLQProducer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
