package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"IntelliDetect/internal/domain/models"
	"IntelliDetect/pkg/cache"
	pkgkafka "IntelliDetect/pkg/kafka"
)

func testItem() *models.Item {
	return &models.Item{
		ID:         7,
		StrategyID: 3,
		Unit:       "%",
		QueryConfigs: []models.QueryConfig{{
			AggInterval: 60,
		}},
	}
}

func testPoint(ts int64, value float64) *models.DataPoint {
	return &models.DataPoint{
		RecordID:   "rec",
		Value:      value,
		Timestamp:  ts,
		Dimensions: map[string]interface{}{"host": "a", "region": "eu"},
		Item:       testItem(),
	}
}

func TestCacheHistoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewCacheHistoryStore(cache.NewMemoryCache(), time.Hour)

	require.NoError(t, store.Record(ctx, testPoint(1000, 10)))

	prev, err := store.Previous(ctx, testPoint(1060, 12), 60)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, 10.0, prev.Value)
	assert.Equal(t, int64(1000), prev.Timestamp)
	assert.Equal(t, "a", prev.Dimensions["host"])
	assert.Equal(t, int64(7), prev.Item.ID)

	// other series
	other := testPoint(1060, 12)
	other.Dimensions = map[string]interface{}{"host": "b", "region": "eu"}
	prev, err = store.Previous(ctx, other, 60)
	require.NoError(t, err)
	assert.Nil(t, prev)

	// nothing at that offset
	prev, err = store.Previous(ctx, testPoint(1060, 12), 120)
	require.NoError(t, err)
	assert.Nil(t, prev)
}

func TestCacheHistoryStoreToleratesJitter(t *testing.T) {
	ctx := context.Background()
	store := NewCacheHistoryStore(cache.NewMemoryCache(), time.Hour)

	require.NoError(t, store.Record(ctx, testPoint(1003, 10)))

	prev, err := store.Previous(ctx, testPoint(1061, 12), 60)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, int64(1003), prev.Timestamp)
}

func TestCacheHistoryStoreRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rc, err := cache.NewRedisCache(cache.WithRedisAddr(mr.Addr()), cache.WithRedisPrefix("test"))
	require.NoError(t, err)
	defer rc.Close()

	ctx := context.Background()
	store := NewCacheHistoryStore(rc, time.Minute)
	require.NoError(t, store.Record(ctx, testPoint(1000, 4.5)))

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Contains(t, keys[0], "detect:history:3:7:")
	assert.Greater(t, mr.TTL(keys[0]), time.Duration(0))

	prev, err := store.Previous(ctx, testPoint(1060, 0), 60)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, 4.5, prev.Value)
}

func TestDimensionsKeyHonorsFields(t *testing.T) {
	a := testPoint(1, 0)
	a.DimensionFields = []string{"host"}
	b := testPoint(1, 0)
	b.DimensionFields = []string{"host"}
	b.Dimensions = map[string]interface{}{"host": "a", "region": "us"}

	assert.Equal(t, dimensionsKey(a), dimensionsKey(b))
	assert.NotEqual(t, dimensionsKey(testPoint(1, 0)), dimensionsKey(b))
}

func TestCHHistoryStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewCHHistoryStore(db, "intellidetect.detect_history_points")
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO intellidetect.detect_history_points").
		WithArgs(int64(3), int64(7), sqlmock.AnyArg(), time.Unix(1000, 0).UTC(), 10.0, sqlmock.AnyArg(), "rec").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Record(ctx, testPoint(1000, 10)))

	rows := sqlmock.NewRows([]string{"record_id", "value", "dimensions", "ts"}).
		AddRow("rec", 10.0, `{"host":"a","region":"eu"}`, time.Unix(1000, 0).UTC())
	mock.ExpectQuery("SELECT record_id, value, dimensions, ts FROM intellidetect.detect_history_points").
		WithArgs(int64(3), int64(7), sqlmock.AnyArg(), time.Unix(960, 0).UTC(), time.Unix(1020, 0).UTC()).
		WillReturnRows(rows)

	prev, err := store.Previous(ctx, testPoint(1060, 12), 60)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, 10.0, prev.Value)
	assert.Equal(t, int64(1000), prev.Timestamp)
	assert.Equal(t, "eu", prev.Dimensions["region"])

	mock.ExpectQuery("SELECT record_id").WillReturnError(sql.ErrNoRows)
	prev, err = store.Previous(ctx, testPoint(1060, 12), 60)
	require.NoError(t, err)
	assert.Nil(t, prev)

	mock.ExpectQuery("SELECT record_id").WillReturnError(errors.New("connection reset"))
	_, err = store.Previous(ctx, testPoint(1060, 12), 60)
	assert.Error(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCHAnomalyStorage(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	storage := NewCHAnomalyStorage(db, "detect_anomaly_events")
	ctx := context.Background()

	score := 0.12
	e := &models.AnomalyEvent{
		StrategyID:   3,
		ItemID:       7,
		RecordID:     "rec",
		Timestamp:    1000,
		Value:        42,
		Dimensions:   map[string]interface{}{"host": "a"},
		Message:      "anomaly",
		AnomalyScore: &score,
		DetectedAt:   time.Unix(1001, 0),
	}

	mock.ExpectExec("INSERT INTO detect_anomaly_events").
		WithArgs(int64(3), int64(7), "rec", time.Unix(1000, 0).UTC(), 42.0, `{"host":"a"}`, "anomaly", 0.12, "", time.Unix(1001, 0).UTC()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, storage.Store(ctx, e))

	mock.ExpectExec("INSERT INTO detect_anomaly_events").WillReturnResult(sqlmock.NewResult(0, 2))
	require.NoError(t, storage.StoreBatch(ctx, []*models.AnomalyEvent{e, nil, e}))

	// nothing to insert
	require.NoError(t, storage.StoreBatch(ctx, nil))

	mock.ExpectExec("INSERT INTO detect_anomaly_events").WillReturnError(errors.New("too many parts"))
	assert.Error(t, storage.Store(ctx, e))

	assert.NoError(t, mock.ExpectationsWereMet())
}

type fakeProducer struct {
	topic  string
	keys   [][]byte
	values []interface{}
	closed bool
}

func (f *fakeProducer) Publish(_ context.Context, topic string, key []byte, value interface{}) error {
	f.topic = topic
	f.keys = append(f.keys, key)
	f.values = append(f.values, value)
	return nil
}

func (f *fakeProducer) PublishBatch(_ context.Context, topic string, msgs []pkgkafka.Message) error {
	for _, m := range msgs {
		if err := f.Publish(context.Background(), topic, m.Key, m.Value); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeProducer) Close() error {
	f.closed = true
	return nil
}

func TestKafkaAnomalyPublisher(t *testing.T) {
	fp := &fakeProducer{}
	pub := NewKafkaAnomalyPublisher(fp, "detect_anomalies")
	e := &models.AnomalyEvent{StrategyID: 3, ItemID: 7}

	require.NoError(t, pub.Publish(context.Background(), e))
	require.NoError(t, pub.PublishBatch(context.Background(), []*models.AnomalyEvent{e, nil}))
	require.NoError(t, pub.PublishBatch(context.Background(), nil))

	assert.Equal(t, "detect_anomalies", fp.topic)
	require.Len(t, fp.keys, 2)
	assert.Equal(t, []byte("3:7"), fp.keys[0])
	assert.Same(t, e, fp.values[1])

	require.NoError(t, pub.Close())
	assert.True(t, fp.closed)
}

type fakeQueue struct {
	msgType string
	payload interface{}
	at      time.Time
	err     error
}

func (f *fakeQueue) Enqueue(ctx context.Context, msgType string, payload interface{}) error {
	return f.EnqueueAt(ctx, msgType, payload, time.Time{})
}

func (f *fakeQueue) EnqueueAt(_ context.Context, msgType string, payload interface{}, at time.Time) error {
	if f.err != nil {
		return f.err
	}
	f.msgType, f.payload, f.at = msgType, payload, at
	return nil
}

func TestQueueRequeuer(t *testing.T) {
	q := &fakeQueue{}
	r := NewQueueRequeuer(q, time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	p := testPoint(1000, 1)
	require.NoError(t, r.Requeue(context.Background(), p, "not ready"))

	assert.Equal(t, models.DeferredPointType, q.msgType)
	assert.Equal(t, now.Add(time.Minute), q.at)
	msg, ok := q.payload.(models.DeferredPoint)
	require.True(t, ok)
	assert.Same(t, p, msg.Point)
	assert.Equal(t, "not ready", msg.Reason)

	q.err = errors.New("redis down")
	err := r.Requeue(context.Background(), p, "not ready")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rec|1000")
}

func TestCacheItemStore(t *testing.T) {
	ctx := context.Background()
	store := NewCacheItemStore(cache.NewMemoryCache(), time.Hour)

	got, err := store.Get(ctx, 7)
	require.NoError(t, err)
	assert.Nil(t, got)

	item := testItem()
	item.QueryConfigs[0].IntelligentDetect = models.IntelligentDetectConfig{UseSDK: true, Status: models.SDKDetectStatusReady}
	require.NoError(t, store.Save(ctx, item))
	require.NoError(t, store.Save(ctx, nil))

	got, err = store.Get(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.SDKDetectStatusReady, got.PrimaryQuery().IntelligentDetect.Status)
	assert.Equal(t, "%", got.Unit)
}
