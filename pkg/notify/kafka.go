package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/backupwatch/pkg/registry"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaTransport publishes notifications to a topic for downstream mailers.
type KafkaTransport struct {
	writer messageWriter
	now    func() time.Time
}

// NewKafkaTransport writes to topic on the comma separated brokers.
func NewKafkaTransport(brokers, topic string) *KafkaTransport {
	return &KafkaTransport{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(strings.Split(brokers, ",")...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
		now: time.Now,
	}
}

func (k *KafkaTransport) Send(ctx context.Context, msg Message) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(msg.Target),
		Value:   value,
		Headers: []kafka.Header{{Key: "rule", Value: []byte(msg.RuleName)}},
		Time:    k.now(),
	})
	if err != nil {
		return registry.Transient(fmt.Errorf("kafka: %w", err))
	}
	return nil
}

func (k *KafkaTransport) Close() error {
	return k.writer.Close()
}
