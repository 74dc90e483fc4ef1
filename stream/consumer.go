// Package stream moves stock data ticks through kafka: a consumer group that
// ingests them and a producer that replays CSV files into the topic.
package stream

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/segmentio/kafka-go"

	"optiver-forecast/apperr"
	"optiver-forecast/config"
	"optiver-forecast/logger"
	"optiver-forecast/metrics"
)

const sourceKafka = "kafka"

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Dispatcher hands a raw message to its handler.
type Dispatcher interface {
	HandleMessage(ctx context.Context, data []byte) error
}

// NewKafkaReader creates a consumer-group reader for the tick topic.
// Offsets are committed explicitly by the consumer.
func NewKafkaReader(cfg config.KafkaConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
}

// Retryable reports whether a failed message may succeed when handled
// again. Only failures of a downstream store are retried; anything else
// means the message itself is bad.
func Retryable(err error) bool {
	return apperr.IsKind(err, apperr.KindDependency)
}

// Consumer reads tick messages and commits each offset after the message
// was handled.
type Consumer struct {
	reader     MessageReader
	dispatch   Dispatcher
	maxRetries int
	retryDelay time.Duration
	log        *logger.Logger
}

// NewConsumer creates a consumer.
func NewConsumer(reader MessageReader, dispatch Dispatcher, log *logger.Logger) *Consumer {
	if log == nil {
		log = logger.NewNop()
	}
	return &Consumer{
		reader:     reader,
		dispatch:   dispatch,
		maxRetries: 5,
		retryDelay: time.Second,
		log:        log,
	}
}

// Run consumes until ctx is cancelled or the reader is closed. It returns an
// error when a message keeps failing with a retryable error; that message
// stays uncommitted and is redelivered to the next consumer.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.InfoContext(ctx, "starting stream consumer", logger.NewField("action", "consumer_start"))

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				c.log.InfoContext(ctx, "stream consumer stopped", logger.NewField("action", "consumer_stop"))
				return nil
			}
			c.log.WarnContext(ctx, "failed to fetch message", logger.NewField("error", err.Error()))
			if !c.sleep(ctx) {
				return nil
			}
			continue
		}

		if err := c.process(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return apperr.Dependency(err, "failed to commit stream offset")
		}
	}
}

// process handles msg. A nil result means the offset may be committed,
// which includes poison messages that were skipped.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	log := c.log.WithFields(
		logger.NewField("partition", msg.Partition),
		logger.NewField("offset", msg.Offset),
		logger.NewField("key", string(msg.Key)),
	)

	for attempt := 1; ; attempt++ {
		err := c.dispatch.HandleMessage(ctx, msg.Value)
		if err == nil {
			metrics.StreamMessages.WithLabelValues(sourceKafka, "ingested").Inc()
			return nil
		}
		if !Retryable(err) {
			metrics.StreamMessages.WithLabelValues(sourceKafka, "skipped").Inc()
			log.Warn("skipping poison message", logger.NewField("error", err.Error()))
			return nil
		}
		if attempt >= c.maxRetries {
			metrics.StreamMessages.WithLabelValues(sourceKafka, "failed").Inc()
			return apperr.Wrap(apperr.KindDependency, err, "stream message failed after retries")
		}

		log.Warn("retrying stream message",
			logger.NewField("attempt", attempt),
			logger.NewField("max_attempts", c.maxRetries),
			logger.NewField("error", err.Error()),
		)
		if !c.sleep(ctx) {
			return ctx.Err()
		}
	}
}

func (c *Consumer) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.retryDelay):
		return true
	}
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
