package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kernelci/kcidb-ingester/pkg/common/config"
	"github.com/kernelci/kcidb-ingester/pkg/common/logger"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// Message is the part of a kafka message handlers care about.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Time      time.Time
}

// MessageHandler returning an error makes the consumer retry the same
// message with backoff; nothing after it is fetched or committed until it
// succeeds.
type MessageHandler func(ctx context.Context, msg Message) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	reader  messageReader
	backoff func() backoff.BackOff
}

func newRetryBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0
	return b
}

func NewConsumer(topic string, groupID string) *Consumer {
	cfg := config.Load()
	if groupID == "" {
		groupID = cfg.KafkaGroupID
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 64e6, // submissions can be tens of MB
	})

	return &Consumer{reader: reader, backoff: newRetryBackOff}
}

func (c *Consumer) Consume(ctx context.Context, handler MessageHandler) error {
	for {
		message, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			logger.Log.WithError(err).Error("Failed to fetch message")
			continue
		}

		msg := Message{
			Topic:     message.Topic,
			Partition: message.Partition,
			Offset:    message.Offset,
			Key:       message.Key,
			Value:     message.Value,
			Headers:   make(map[string]string, len(message.Headers)),
			Time:      message.Time,
		}
		for _, h := range message.Headers {
			msg.Headers[h.Key] = string(h.Value)
		}

		if err := c.handle(ctx, handler, msg); err != nil {
			return err
		}

		if err := c.reader.CommitMessages(ctx, message); err != nil {
			logger.Log.WithError(err).Error("Failed to commit message")
		}
	}
}

// handle runs handler until it succeeds. It only gives up when ctx is done.
func (c *Consumer) handle(ctx context.Context, handler MessageHandler, msg Message) error {
	log := logger.Log.WithFields(logrus.Fields{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})
	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		return handler(ctx, msg)
	}, backoff.WithContext(c.backoff(), ctx), func(err error, wait time.Duration) {
		log.WithError(err).WithFields(logrus.Fields{
			"attempt":  attempt,
			"retry_in": wait.String(),
		}).Error("Failed to process message")
	})
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
