package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"IntelliDetect/internal/detect"
	"IntelliDetect/internal/domain/models"
	"IntelliDetect/internal/repository"
	"IntelliDetect/pkg/cache"
	"IntelliDetect/pkg/logger"
)

type harness struct {
	predictor *fakePredictor
	group     *fakeGroupPredictor
	pub       *fakePublisher
	store     *fakeStorage
	requeuer  *fakeRequeuer
	metrics   *fakeMetrics
	items     *repository.CacheItemStore
	processor *DetectProcessor
}

func newHarness(t *testing.T, cfg ProcessorConfig) *harness {
	t.Helper()
	h := &harness{
		predictor: &fakePredictor{records: anomalousRecord},
		group:     &fakeGroupPredictor{},
		pub:       &fakePublisher{},
		store:     &fakeStorage{},
		requeuer:  &fakeRequeuer{},
		metrics:   newFakeMetrics(),
	}
	c := cache.NewMemoryCache()
	history := repository.NewCacheHistoryStore(c, time.Hour)
	h.items = repository.NewCacheItemStore(c, time.Hour)

	strategy := detect.New(
		detect.WithPredictor(h.predictor),
		detect.WithGroupPredictor(h.group),
		detect.WithHistoryFetcher(history),
		detect.WithMetrics(h.metrics),
	)
	if cfg.Backend == "" {
		cfg.Backend = BackendKafka
	}
	h.processor = NewDetectProcessor(strategy, h.pub, h.store, history, h.items, h.requeuer, h.metrics, logger.Nop(), cfg)
	h.processor.now = func() time.Time { return time.Unix(5000, 0) }
	return h
}

func TestProcessLocalAnomaly(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	p := point(localItem(7), 1000, 42)
	p.Values = map[string]interface{}{
		"is_anomaly": 1,
		"extra_info": `{"anomaly_score": 0.876, "alert_msg": "spike"}`,
	}

	outcome, err := h.processor.Process(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, detect.Anomalous, outcome.Kind)
	assert.Zero(t, h.predictor.Calls())

	events := h.pub.events()
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, int64(7), e.ItemID)
	assert.Equal(t, int64(1000), e.Timestamp)
	assert.Equal(t, "spike", e.AlertMsg)
	require.NotNil(t, e.AnomalyScore)
	assert.Equal(t, 0.88, *e.AnomalyScore)
	assert.Contains(t, e.Message, "alert type: spike")
	assert.Equal(t, time.Unix(5000, 0), e.DetectedAt)
	assert.Equal(t, 0.88, h.metrics.scores["7"])
}

func TestProcessNormalPublishesNothing(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	p := point(localItem(7), 1000, 42)
	p.Values = map[string]interface{}{"is_anomaly": 0}

	outcome, err := h.processor.Process(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, detect.Normal, outcome.Kind)
	assert.Empty(t, h.pub.events())
	assert.Equal(t, 1, h.metrics.outcomes["normal"])
}

func TestProcessDeferredIsRequeued(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	p := point(sdkItem(7, models.SDKDetectStatusPreparing), 1000, 42)

	outcome, err := h.processor.Process(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, detect.Deferred, outcome.Kind)
	require.Len(t, h.requeuer.points, 1)
	assert.Same(t, p, h.requeuer.points[0])
	assert.NotEmpty(t, h.requeuer.reasons[0])
	assert.Zero(t, h.predictor.Calls())
	assert.Empty(t, h.pub.events())
	assert.Equal(t, 1, h.metrics.outcomes["deferred"])
}

func TestProcessRequeueFailure(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	h.requeuer.err = errors.New("redis down")

	_, err := h.processor.Process(context.Background(), point(sdkItem(7, models.SDKDetectStatusPreparing), 1000, 42))
	require.Error(t, err)
	assert.Equal(t, 1, h.metrics.errorCount("requeue"))
}

func TestProcessRemoteFailure(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	h.predictor.err = errors.New("timeout")

	_, err := h.processor.Process(context.Background(), point(sdkItem(7, models.SDKDetectStatusReady), 1000, 42))
	var rce *detect.RemoteCallError
	require.ErrorAs(t, err, &rce)
	assert.Equal(t, 1, h.metrics.errorCount("remote_call"))
	assert.Empty(t, h.pub.events())
}

func TestProcessInvalidPoint(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	_, err := h.processor.Process(context.Background(), nil)
	assert.ErrorIs(t, err, detect.ErrInvalidPoint)
}

func TestRedetectUsesLatestItemConfig(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	ctx := context.Background()
	p := point(sdkItem(7, models.SDKDetectStatusPreparing), 1000, 42)

	_, err := h.processor.Redetect(ctx, p)
	require.Error(t, err)
	assert.True(t, detect.IsRetryable(err))
	assert.Empty(t, h.requeuer.points, "redetect never requeues")

	require.NoError(t, h.items.Save(ctx, sdkItem(7, models.SDKDetectStatusReady)))

	outcome, err := h.processor.Redetect(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, detect.Anomalous, outcome.Kind)
	assert.Equal(t, 1, h.predictor.Calls())
	assert.Len(t, h.pub.events(), 1)
	assert.Equal(t, models.SDKDetectStatusPreparing, p.Item.PrimaryQuery().IntelligentDetect.Status, "input point untouched")
}

func TestProcessBatchWithPreDetect(t *testing.T) {
	h := newHarness(t, ProcessorConfig{PreDetect: true, Workers: 4})
	a := sdkItem(7, models.SDKDetectStatusReady)
	b := sdkItem(8, models.SDKDetectStatusReady)

	later := point(a, 1060, 12)
	earlier := point(a, 1000, 10)
	other := point(b, 1000, 99)
	other.RecordID = "rec-other"

	results, err := h.processor.ProcessBatch(context.Background(), []*models.DataPoint{later, other, earlier})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Same(t, later, results[0].Point)
	assert.Same(t, other, results[1].Point)
	for _, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, detect.Anomalous, r.Outcome.Kind)
	}
	// the earlier point of the series was detected and recorded first
	assert.Contains(t, results[0].Outcome.Message, "previous value 10%")
	assert.NotContains(t, results[2].Outcome.Message, "previous value")

	assert.Equal(t, 2, h.group.calls, "one group call per item")
	assert.Zero(t, h.predictor.Calls(), "all points served from the pre-detect cache")
	require.Len(t, h.pub.batches, 1)
	assert.Len(t, h.pub.batches[0], 3)
}

func TestProcessBatchPreDetectFallback(t *testing.T) {
	h := newHarness(t, ProcessorConfig{PreDetect: true})
	h.group.err = errors.New("group predict unavailable")
	item := sdkItem(7, models.SDKDetectStatusReady)

	results, err := h.processor.ProcessBatch(context.Background(), []*models.DataPoint{
		point(item, 1000, 1),
		point(item, 1060, 2),
	})
	require.NoError(t, err)
	for _, r := range results {
		assert.NoError(t, r.Err)
	}
	assert.Equal(t, 2, h.predictor.Calls())
	assert.Equal(t, 1, h.metrics.errorCount("predetect_fallback"))
}

func TestProcessBatchMixedOutcomes(t *testing.T) {
	h := newHarness(t, ProcessorConfig{Workers: 2})
	h.predictor.err = errors.New("timeout")

	local := point(localItem(1), 1000, 1)
	local.Values = map[string]interface{}{"is_anomaly": 1}
	preparing := point(sdkItem(2, models.SDKDetectStatusPreparing), 1000, 1)
	preparing.RecordID = "rec-2"
	failing := point(sdkItem(3, models.SDKDetectStatusReady), 1000, 1)
	failing.RecordID = "rec-3"

	results, err := h.processor.ProcessBatch(context.Background(), []*models.DataPoint{local, preparing, failing})
	require.NoError(t, err)

	assert.Equal(t, detect.Anomalous, results[0].Outcome.Kind)
	assert.NoError(t, results[1].Err)
	assert.Equal(t, detect.Deferred, results[1].Outcome.Kind)
	assert.Error(t, results[2].Err)
	assert.Len(t, h.requeuer.points, 1)
	assert.Len(t, h.pub.events(), 1)
}

func TestProcessBatchPublishError(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	h.pub.err = errBroker
	p := point(localItem(7), 1000, 42)
	p.Values = map[string]interface{}{"is_anomaly": 1}

	_, err := h.processor.ProcessBatch(context.Background(), []*models.DataPoint{p})
	assert.ErrorIs(t, err, errBroker)
	assert.Equal(t, 1, h.metrics.errorCount("publish"))
}

func TestProcessClickHouseBackend(t *testing.T) {
	h := newHarness(t, ProcessorConfig{Backend: BackendClickHouse})
	p := point(localItem(7), 1000, 42)
	p.Values = map[string]interface{}{"is_anomaly": 1}

	_, err := h.processor.Process(context.Background(), p)
	require.NoError(t, err)
	assert.Len(t, h.store.events(), 1)
	assert.Empty(t, h.pub.events())
}

func TestProcessUnknownBackend(t *testing.T) {
	h := newHarness(t, ProcessorConfig{Backend: "s3"})
	p := point(localItem(7), 1000, 42)
	p.Values = map[string]interface{}{"is_anomaly": 1}

	_, err := h.processor.Process(context.Background(), p)
	assert.ErrorContains(t, err, "unknown backend")
}

func TestPointsHandler(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	handler := NewPointsHandler("detect_points", h.processor, h.metrics, logger.Nop())
	assert.Equal(t, "detect_points", handler.Topic())

	valid := point(localItem(7), 1000, 42)
	valid.Timestamp = 1_700_000_000_000 // ms
	valid.Values = map[string]interface{}{"is_anomaly": 1}
	invalid := point(localItem(8), 1000, 1)
	invalid.RecordID = ""

	b, err := json.Marshal([]*models.DataPoint{valid, invalid})
	require.NoError(t, err)
	require.NoError(t, handler.Handle(context.Background(), b))

	events := h.pub.events()
	require.Len(t, events, 1)
	assert.Equal(t, int64(1_700_000_000), events[0].Timestamp)
	assert.Equal(t, 1, h.metrics.errorCount("invalid_point"))

	// single object form
	single, err := json.Marshal(point(localItem(9), 1000, 1))
	require.NoError(t, err)
	require.NoError(t, handler.Handle(context.Background(), single))

	assert.Error(t, handler.Handle(context.Background(), []byte("{not json")))
	assert.Error(t, handler.Handle(context.Background(), []byte("  ")))
	assert.Equal(t, 2, h.metrics.errorCount("consumer_unmarshal"))
}

func TestPointsHandlerRetriesPublishFailure(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	h.pub.err = errBroker
	handler := NewPointsHandler("detect_points", h.processor, h.metrics, logger.Nop())
	p := point(localItem(7), 1000, 42)
	p.Values = map[string]interface{}{"is_anomaly": 1}
	b, err := json.Marshal(p)
	require.NoError(t, err)

	assert.ErrorIs(t, handler.Handle(context.Background(), b), errBroker)
}

func TestDeferredJob(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	job := NewDeferredJob(h.processor, logger.Nop())
	assert.Equal(t, models.DeferredPointType, job.Type())
	assert.NotEmpty(t, job.Name())
	ctx := context.Background()

	p := point(sdkItem(7, models.SDKDetectStatusPreparing), 1000, 42)
	payload, err := json.Marshal(models.DeferredPoint{Point: p, Reason: "not ready", DeferredAt: time.Unix(4000, 0)})
	require.NoError(t, err)

	err = job.Handle(ctx, payload)
	require.Error(t, err)
	assert.True(t, detect.IsRetryable(err))

	require.NoError(t, h.items.Save(ctx, sdkItem(7, models.SDKDetectStatusReady)))
	require.NoError(t, job.Handle(ctx, payload))
	assert.Len(t, h.pub.events(), 1)

	assert.NoError(t, job.Handle(ctx, []byte(`{"reason":"x"}`)), "messages without a point are dropped")
	assert.Error(t, job.Handle(ctx, []byte(`not json`)))
}
