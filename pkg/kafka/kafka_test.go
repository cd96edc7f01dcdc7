package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"IntelliDetect/pkg/logger"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

type fakeReader struct {
	mu        sync.Mutex
	committed []kafka.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

type funcHandler struct {
	topic string
	calls int
	fn    func(call int, data []byte) error
}

func (h *funcHandler) Topic() string { return h.topic }

func (h *funcHandler) Handle(_ context.Context, data []byte) error {
	h.calls++
	return h.fn(h.calls, data)
}

func newTestConsumer(t *testing.T, opts ...ConsumerOption) (*Consumer, *fakeReader) {
	t.Helper()
	base := []ConsumerOption{
		WithConsumerBrokers([]string{"localhost:9092"}),
		WithConsumerRetry(2, time.Millisecond, 2*time.Millisecond),
	}
	c, err := NewConsumer(logger.Nop(), append(base, opts...)...)
	require.NoError(t, err)
	r := &fakeReader{}
	c.readers["points"] = r
	return c, r
}

func testMessage(offset int64) *message {
	km := kafka.Message{Topic: "points", Partition: 1, Offset: offset, Value: []byte(`{"a":1}`)}
	return &message{topic: "points", data: km.Value, km: km}
}

func TestNewConsumerRequiresBrokers(t *testing.T) {
	_, err := NewConsumer(logger.Nop())
	assert.Error(t, err)
}

func TestProcessCommitsOnSuccess(t *testing.T) {
	c, r := newTestConsumer(t)
	h := &funcHandler{topic: "points", fn: func(int, []byte) error { return nil }}
	c.RegisterHandler(h)

	c.process(testMessage(5))

	assert.Equal(t, 1, h.calls)
	require.Len(t, r.committed, 1)
	assert.Equal(t, int64(5), r.committed[0].Offset)
}

func TestProcessRetriesThenSucceeds(t *testing.T) {
	c, r := newTestConsumer(t)
	h := &funcHandler{topic: "points", fn: func(call int, _ []byte) error {
		if call < 3 {
			return errors.New("flaky")
		}
		return nil
	}}
	c.RegisterHandler(h)

	c.process(testMessage(1))

	assert.Equal(t, 3, h.calls)
	assert.Len(t, r.committed, 1)
}

func TestProcessPermanentErrorSkipsRetries(t *testing.T) {
	c, r := newTestConsumer(t)
	h := &funcHandler{topic: "points", fn: func(int, []byte) error {
		return Permanent(errors.New("bad payload"))
	}}
	c.RegisterHandler(h)

	c.process(testMessage(1))

	assert.Equal(t, 1, h.calls)
	assert.Empty(t, r.committed, "no dlq configured, offset must stay uncommitted")
}

func TestProcessFailureGoesToDLQ(t *testing.T) {
	c, r := newTestConsumer(t, WithConsumerDLQ("points-dlq"))
	dlq := &fakeWriter{}
	c.dlq = dlq
	h := &funcHandler{topic: "points", fn: func(int, []byte) error { return errors.New("boom") }}
	c.RegisterHandler(h)

	c.process(testMessage(9))

	assert.Equal(t, 3, h.calls)
	require.Len(t, dlq.msgs, 1)
	assert.Equal(t, "points-dlq", dlq.msgs[0].Topic)
	assert.Equal(t, []byte(`{"a":1}`), dlq.msgs[0].Value)
	assert.Equal(t, "source_topic", dlq.msgs[0].Headers[0].Key)
	assert.Len(t, r.committed, 1)
}

func TestProcessRecoversHandlerPanic(t *testing.T) {
	c, r := newTestConsumer(t)
	h := &funcHandler{topic: "points", fn: func(int, []byte) error { panic("nil map") }}
	c.RegisterHandler(h)

	assert.NotPanics(t, func() { c.process(testMessage(1)) })
	assert.Equal(t, 1, h.calls)
	assert.Empty(t, r.committed)
}

func TestBeforeHookErrorSkipsHandler(t *testing.T) {
	c, _ := newTestConsumer(t)
	h := &funcHandler{topic: "points", fn: func(int, []byte) error { return nil }}
	c.RegisterHandler(h)

	var onErr int
	c.WithConsumerHook(HookFuncs{
		Before: func(ctx context.Context, _ string, km kafka.Message, data []byte) (context.Context, kafka.Message, []byte, error) {
			return ctx, km, data, &HookError{Code: "ERR_VALIDATION"}
		},
		Err: func(context.Context, string, kafka.Message, []byte, error) { onErr++ },
	})

	c.process(testMessage(1))

	assert.Zero(t, h.calls)
	assert.Equal(t, 1, onErr)
}

func TestStartStop(t *testing.T) {
	c, _ := newTestConsumer(t)
	c.RegisterHandler(&funcHandler{topic: "points", fn: func(int, []byte) error { return nil }})

	require.NoError(t, c.Start())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, c.Stop(ctx))
	assert.NoError(t, c.Stop(ctx), "stop is idempotent")
}

func TestHookChainOrderAndPanic(t *testing.T) {
	var order []string
	mk := func(name string) ConsumerHook {
		return HookFuncs{
			Before: func(ctx context.Context, _ string, km kafka.Message, data []byte) (context.Context, kafka.Message, []byte, error) {
				order = append(order, "before:"+name)
				return ctx, km, append(data, name...), nil
			},
			After: func(context.Context, string, kafka.Message, []byte, error) {
				order = append(order, "after:"+name)
			},
		}
	}
	chain := NewHookChain(mk("a"), nil, mk("b"))

	_, _, data, err := chain.BeforeHandle(context.Background(), "t", kafka.Message{}, nil)
	require.NoError(t, err)
	chain.AfterHandle(context.Background(), "t", kafka.Message{}, data, nil)

	assert.Equal(t, "ab", string(data))
	assert.Equal(t, []string{"before:a", "before:b", "after:b", "after:a"}, order)

	panicky := HookFuncs{Before: func(context.Context, string, kafka.Message, []byte) (context.Context, kafka.Message, []byte, error) {
		panic("hook")
	}}
	_, _, _, err = NewHookChain(panicky).BeforeHandle(context.Background(), "t", kafka.Message{}, nil)
	var he *HookError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "ERR_PANIC", he.Code)
}

func TestTracingHookCarriesTraceID(t *testing.T) {
	h := NewTracingHook(logger.Nop(), time.Second)
	km := kafka.Message{Headers: []kafka.Header{{Key: TraceIDHeader, Value: []byte("abc")}}}

	ctx, _, _, err := h.BeforeHandle(context.Background(), "t", km, nil)
	require.NoError(t, err)
	assert.Equal(t, "abc", TraceIDFrom(ctx))
	_, ok := StartTimeFrom(ctx)
	assert.True(t, ok)
	h.AfterHandle(ctx, "t", km, nil, errors.New("x"))
}

func TestProducerPublish(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, "gzip")

	require.NoError(t, p.Publish(context.Background(), "anomalies", []byte("k"), map[string]int{"v": 1}))
	require.NoError(t, p.Publish(context.Background(), "anomalies", nil, "raw"))
	require.NoError(t, p.PublishBatch(context.Background(), "anomalies", nil))

	require.Len(t, w.msgs, 2)
	assert.Equal(t, "anomalies", w.msgs[0].Topic)
	assert.Equal(t, []byte("k"), w.msgs[0].Key)
	var got map[string]int
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, 1, got["v"])
	assert.Equal(t, []byte("raw"), w.msgs[1].Value)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestProducerWrapsWriteError(t *testing.T) {
	p := newProducer(&fakeWriter{err: errors.New("broker down")}, "gzip")
	err := p.Publish(context.Background(), "anomalies", nil, "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")

	err = p.Publish(context.Background(), "anomalies", nil, func() {})
	assert.Error(t, err, "unmarshalable value")
}
