package kafkautil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

type Config struct {
	Brokers []string `yaml:"brokers" json:"brokers"`
	Topic   string   `yaml:"topic" json:"topic"`
	GroupID string   `yaml:"groupId" json:"groupId"`
}

// ParseBrokers splits a comma separated broker list, as found in
// KAFKA_BROKERS.
func ParseBrokers(csv string) []string {
	var brokers []string
	for _, b := range strings.Split(csv, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func (c Config) Enabled() bool {
	return len(c.Brokers) > 0 && c.Topic != ""
}

// MessageWriter is the part of *kafka.Writer the producers use.
type MessageWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

func NewWriter(cfg Config) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
}

// Publish writes v as JSON under key.
func Publish(ctx context.Context, w MessageWriter, key []byte, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	err = w.WriteMessages(ctx, kafka.Message{Key: key, Value: value, Time: time.Now()})
	if errors.Is(err, kafka.UnknownTopicOrPartition) {
		return fmt.Errorf("topic does not exist, create it or enable auto-creation: %w", err)
	}
	return err
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads JSON messages of type T from one topic within a group.
type Consumer[T any] struct {
	reader messageReader
}

func NewConsumer[T any](cfg Config) *Consumer[T] {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		GroupID: cfg.GroupID,
		Topic:   cfg.Topic,
	})
	return &Consumer[T]{reader: r}
}

// ErrMalformed wraps a message that could not be decoded. The message is
// committed anyway so that it is not redelivered forever.
var ErrMalformed = errors.New("malformed message")

func (c *Consumer[T]) Read(ctx context.Context) (T, error) {
	var zero T

	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return zero, err
	}

	var payload T
	decodeErr := json.Unmarshal(msg.Value, &payload)

	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		return zero, err
	}
	if decodeErr != nil {
		return zero, fmt.Errorf("%w at offset %d: %v", ErrMalformed, msg.Offset, decodeErr)
	}

	return payload, nil
}

func (c *Consumer[T]) Close() error {
	return c.reader.Close()
}
