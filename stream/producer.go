package stream

import (
	"context"
	"errors"
	"io"
	"strconv"

	"github.com/segmentio/kafka-go"
	"golang.org/x/time/rate"

	"optiver-forecast/apperr"
	"optiver-forecast/config"
	"optiver-forecast/ingest"
	"optiver-forecast/logger"
)

const defaultProduceBatch = 100

// MessageWriter is the part of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter creates a writer for the tick topic. Messages are
// partitioned by key so the ticks of one stock stay ordered.
func NewKafkaWriter(cfg config.KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
}

// Producer replays CSV files into the tick topic.
type Producer struct {
	writer    MessageWriter
	limiter   *rate.Limiter
	batchSize int
	log       *logger.Logger
}

// NewProducer creates a producer sending at most perSecond ticks per second.
// A non-positive perSecond sends as fast as the writer accepts.
func NewProducer(writer MessageWriter, perSecond float64, log *logger.Logger) *Producer {
	if log == nil {
		log = logger.NewNop()
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	batch := defaultProduceBatch
	if perSecond > 0 && int(perSecond) < batch {
		batch = max(int(perSecond), 1)
	}
	return &Producer{
		writer:    writer,
		limiter:   rate.NewLimiter(limit, 1),
		batchSize: batch,
		log:       log,
	}
}

// Replay sends every row of the CSV in r as a tick keyed by stock id and
// returns the number of ticks sent.
func (p *Producer) Replay(ctx context.Context, r io.Reader, trainType string) (int, error) {
	reader, err := ingest.NewCSVReader(r, trainType)
	if err != nil {
		return 0, err
	}

	sent := 0
	batch := make([]kafka.Message, 0, p.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.writer.WriteMessages(ctx, batch...); err != nil {
			return apperr.Dependency(err, "failed to write ticks")
		}
		sent += len(batch)
		p.log.Debug("ticks sent", logger.NewField("batch", len(batch)), logger.NewField("total", sent))
		batch = batch[:0]
		return nil
	}

	for {
		row, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return sent, err
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return sent, err
		}

		value, err := ingest.NewTick(row).Encode()
		if err != nil {
			return sent, apperr.Wrap(apperr.KindValidation, err, "failed to encode tick")
		}
		batch = append(batch, kafka.Message{
			Key:   []byte(strconv.Itoa(row.StockID)),
			Value: value,
		})
		if len(batch) >= p.batchSize {
			if err := flush(); err != nil {
				return sent, err
			}
		}
	}
	if err := flush(); err != nil {
		return sent, err
	}

	p.log.Info("CSV replay finished", logger.NewField("ticks", sent))
	return sent, nil
}

// Close flushes and closes the writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
