package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optiver-forecast/apperr"
	"optiver-forecast/ingest"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	fetchErr  error
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fetchErr != nil {
		err := r.fetchErr
		r.fetchErr = nil
		return kafka.Message{}, err
	}
	if len(r.msgs) == 0 {
		return kafka.Message{}, io.EOF
	}
	msg := r.msgs[0]
	r.msgs = r.msgs[1:]
	return msg, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

// dispatchFunc adapts a function to Dispatcher.
type dispatchFunc func(ctx context.Context, data []byte) error

func (f dispatchFunc) HandleMessage(ctx context.Context, data []byte) error { return f(ctx, data) }

func messages(values ...string) []kafka.Message {
	msgs := make([]kafka.Message, len(values))
	for i, v := range values {
		msgs[i] = kafka.Message{Offset: int64(i), Value: []byte(v)}
	}
	return msgs
}

func newTestConsumer(r MessageReader, d Dispatcher) *Consumer {
	c := NewConsumer(r, d, nil)
	c.retryDelay = time.Millisecond
	c.maxRetries = 3
	return c
}

func TestConsumerCommitsHandledAndPoisonMessages(t *testing.T) {
	reader := &fakeReader{msgs: messages("ok-1", "poison", "ok-2"), fetchErr: errors.New("broker hiccup")}
	var handled []string
	c := newTestConsumer(reader, dispatchFunc(func(_ context.Context, data []byte) error {
		handled = append(handled, string(data))
		if string(data) == "poison" {
			return apperr.Validation("malformed stream message")
		}
		return nil
	}))

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, []string{"ok-1", "poison", "ok-2"}, handled)
	assert.Equal(t, []int64{0, 1, 2}, reader.committed)
}

func TestConsumerRetriesStoreFailures(t *testing.T) {
	reader := &fakeReader{msgs: messages("flaky")}
	calls := 0
	c := newTestConsumer(reader, dispatchFunc(func(context.Context, []byte) error {
		calls++
		if calls < 3 {
			return apperr.Dependency(errors.New("connection reset"), "failed to ingest data")
		}
		return nil
	}))

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int64{0}, reader.committed)
}

func TestConsumerStopsWithoutCommitWhenRetriesRunOut(t *testing.T) {
	reader := &fakeReader{msgs: messages("stuck", "next")}
	c := newTestConsumer(reader, dispatchFunc(func(context.Context, []byte) error {
		return apperr.Dependency(errors.New("db down"), "failed to ingest data")
	}))

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.True(t, Retryable(err))
	assert.Empty(t, reader.committed)
	assert.Len(t, reader.msgs, 1)
}

func TestConsumerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reader := &fakeReader{msgs: messages("a")}
	c := newTestConsumer(reader, dispatchFunc(func(context.Context, []byte) error {
		cancel()
		return apperr.Dependency(errors.New("db down"), "failed to ingest data")
	}))

	require.NoError(t, c.Run(ctx))
	assert.Empty(t, reader.committed)
}

type fakeWriter struct {
	msgs   []kafka.Message
	writes int
	err    error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.writes++
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

const replayCSV = `stock_id,date_id,seconds_in_bucket,wap,target
0,3,0,1.0,-0.5
1,3,0,1.1,nan
0,3,10,1.2,0.25
`

func TestReplaySendsKeyedTicks(t *testing.T) {
	w := &fakeWriter{}
	p := NewProducer(w, 0, nil)
	p.batchSize = 2

	n, err := p.Replay(context.Background(), strings.NewReader(replayCSV), "prod")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 2, w.writes)
	require.Len(t, w.msgs, 3)

	assert.Equal(t, "1", string(w.msgs[1].Key))
	tick, err := ingest.DecodeTick(w.msgs[1].Value)
	require.NoError(t, err)
	assert.Equal(t, ingest.TickType, tick.Type)
	assert.Equal(t, 1, tick.Data.StockID)
	assert.Equal(t, "prod", tick.Data.TrainType)
	assert.Nil(t, tick.Data.Target)
}

func TestReplayIsRateLimited(t *testing.T) {
	w := &fakeWriter{}
	p := NewProducer(w, 20, nil)

	start := time.Now()
	n, err := p.Replay(context.Background(), strings.NewReader(replayCSV), "prod")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestReplayErrors(t *testing.T) {
	_, err := NewProducer(&fakeWriter{}, 0, nil).Replay(context.Background(), strings.NewReader("wap\n1.0\n"), "")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	n, err := NewProducer(&fakeWriter{err: errors.New("no leader")}, 0, nil).Replay(context.Background(), strings.NewReader(replayCSV), "")
	assert.True(t, apperr.IsKind(err, apperr.KindDependency))
	assert.Zero(t, n)
}
