package detect

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"IntelliDetect/internal/domain/models"
)

func TestPreDetect(t *testing.T) {
	ready := newItem(true, models.SDKDetectStatusReady)
	preparing := newItem(true, models.SDKDetectStatusPreparing)
	preparing.ID = 8
	plain := newItem(false, "")
	plain.ID = 9

	a1 := newPoint(ready, 120, nil)
	a2 := newPoint(ready, 60, nil)
	b1 := newPoint(ready, 60, nil)
	b1.RecordID = "rec-2"
	b1.Dimensions = map[string]interface{}{"host": "10.0.0.2", "bk_cloud_id": 0.0}
	waiting := newPoint(preparing, 60, nil)
	local := newPoint(plain, 60, map[string]interface{}{"is_anomaly": 1})

	group := &fakeGroupPredictor{}
	pred := &fakePredictor{}
	s := New(WithPredictor(pred), WithGroupPredictor(group))

	run, err := s.PreDetect(context.Background(), []*models.DataPoint{a1, a2, b1, waiting, local})
	require.NoError(t, err)
	require.NotNil(t, run.PreDetectCache())
	assert.Equal(t, 3, run.PreDetectCache().Len())
	assert.Nil(t, s.PreDetectCache())

	require.Equal(t, 1, group.calls)
	req := group.reqs[0]
	assert.Equal(t, 60, req.Interval)
	assert.Equal(t, "ceil", req.PredictArgs["anomaly_detect_direct"])
	require.Len(t, req.Groups, 2)
	assert.Equal(t, []models.PredictData{{Value: 42, Timestamp: 60000}, {Value: 42, Timestamp: 120000}}, req.Groups[0].Data)

	for _, p := range []*models.DataPoint{a1, a2, b1} {
		out, err := run.Detect(context.Background(), p)
		require.NoError(t, err)
		assert.Equal(t, Anomalous, out.Kind)
		assert.Equal(t, p.Timestamp, out.Point.Timestamp)
	}
	assert.Zero(t, pred.calls)

	_, err = run.Detect(context.Background(), waiting)
	assert.True(t, IsRetryable(err))

	out, err := run.Detect(context.Background(), local)
	require.NoError(t, err)
	assert.Equal(t, Anomalous, out.Kind)
}

func TestPreDetectFailedSeriesMissesCache(t *testing.T) {
	item := newItem(true, models.SDKDetectStatusReady)
	p := newPoint(item, 60, nil)

	group := &fakeGroupPredictor{respond: func(req models.GroupPredictRequest) ([]models.GroupPredictResult, error) {
		return []models.GroupPredictResult{{Dimensions: req.Groups[0].Dimensions, Status: "failed", Error: "model not ready"}}, nil
	}}
	run, err := New(WithGroupPredictor(group)).PreDetect(context.Background(), []*models.DataPoint{p})
	require.NoError(t, err)
	assert.Zero(t, run.PreDetectCache().Len())

	_, err = run.Detect(context.Background(), p)
	var miss *PreDetectMissingError
	assert.ErrorAs(t, err, &miss)
}

func TestPreDetectErrors(t *testing.T) {
	p := newPoint(newItem(true, models.SDKDetectStatusReady), 60, nil)

	_, err := New().PreDetect(context.Background(), []*models.DataPoint{p})
	var rc *RemoteCallError
	require.ErrorAs(t, err, &rc)

	group := &fakeGroupPredictor{respond: func(models.GroupPredictRequest) ([]models.GroupPredictResult, error) {
		return nil, errBoom
	}}
	_, err = New(WithGroupPredictor(group)).PreDetect(context.Background(), []*models.DataPoint{p})
	require.ErrorAs(t, err, &rc)
	assert.Equal(t, "group_predict", rc.Op)
	assert.ErrorIs(t, err, errBoom)
}

func TestPreDetectNothingToPredict(t *testing.T) {
	group := &fakeGroupPredictor{}
	p := newPoint(newItem(false, ""), 60, nil)

	run, err := New(WithGroupPredictor(group)).PreDetect(context.Background(), []*models.DataPoint{p, nil})
	require.NoError(t, err)
	assert.Zero(t, group.calls)
	assert.Zero(t, run.PreDetectCache().Len())
}

func TestPreDetectSharedTimestamp(t *testing.T) {
	item := newItem(true, models.SDKDetectStatusReady)
	first := newPoint(item, 60, nil)
	second := newPoint(item, 60, nil)
	second.RecordID = "rec-2"

	group := &fakeGroupPredictor{}
	run, err := New(WithGroupPredictor(group)).PreDetect(context.Background(), []*models.DataPoint{first, second})
	require.NoError(t, err)
	assert.Equal(t, 2, run.PreDetectCache().Len())

	require.Len(t, group.reqs[0].Groups, 1)
	assert.Len(t, group.reqs[0].Groups[0].Data, 1)

	for _, p := range []*models.DataPoint{first, second} {
		out, err := run.Detect(context.Background(), p)
		require.NoError(t, err)
		assert.Equal(t, Anomalous, out.Kind)
		assert.Equal(t, p.RecordID, out.Point.RecordID)
	}
}
