package detect

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"IntelliDetect/internal/domain/models"
	"IntelliDetect/pkg/logger"
	"IntelliDetect/pkg/util"
)

// PreDetectCache maps point identity to an already predicted point. It is
// built once per run and only read afterwards, so lookups need no locking.
type PreDetectCache struct {
	points map[string]*models.DataPoint
}

// NewPreDetectCache indexes predicted points by record id and the timestamp
// of the original point.
func NewPreDetectCache(predicted map[string]*models.DataPoint) *PreDetectCache {
	points := make(map[string]*models.DataPoint, len(predicted))
	for k, p := range predicted {
		points[k] = p
	}
	return &PreDetectCache{points: points}
}

func (c *PreDetectCache) Lookup(p *models.DataPoint) (*models.DataPoint, bool) {
	got, ok := c.points[p.Key()]
	return got, ok
}

func (c *PreDetectCache) Len() int {
	return len(c.points)
}

// PreDetect predicts all SDK-ready points of a run with one group call per
// item and returns a copy of s bound to the resulting cache. Points that are
// not SDK backed or still preparing are skipped; Detect handles them without
// the cache. Any failed call fails the whole pre-detect so the caller can
// fall back to per-point calls.
func (s *IntelligentDetect) PreDetect(ctx context.Context, points []*models.DataPoint) (*IntelligentDetect, error) {
	if s.groupPredictor == nil {
		return nil, &RemoteCallError{Op: "group_predict", Err: errNoGroupPredictor}
	}

	byItem := make(map[int64][]*models.DataPoint)
	var order []int64
	for _, p := range points {
		if p == nil || p.Item == nil {
			continue
		}
		cfg := p.Item.PrimaryQuery().IntelligentDetect
		if !cfg.UseSDK || cfg.Status == models.SDKDetectStatusPreparing {
			continue
		}
		if _, ok := byItem[p.Item.ID]; !ok {
			order = append(order, p.Item.ID)
		}
		byItem[p.Item.ID] = append(byItem[p.Item.ID], p)
	}

	predicted := make(map[string]*models.DataPoint)
	for _, id := range order {
		if err := s.preDetectItem(ctx, byItem[id], predicted); err != nil {
			return nil, err
		}
	}

	s.logger.Debug("pre-detect finished",
		logger.Int("items", len(order)),
		logger.Int("points", len(predicted)),
	)
	return s.WithPreDetectCache(NewPreDetectCache(predicted)), nil
}

func (s *IntelligentDetect) preDetectItem(ctx context.Context, points []*models.DataPoint, out map[string]*models.DataPoint) error {
	item := points[0].Item
	if err := ValidateArgs(item.Algorithm.Args); err != nil {
		return err
	}

	type series struct {
		dims   map[string]interface{}
		points map[int64][]*models.DataPoint
	}
	groups := make(map[string]*series)
	var keys []string
	for _, p := range points {
		dims := requestDimensions(p)
		k := dimensionsKey(dims)
		g, ok := groups[k]
		if !ok {
			g = &series{dims: dims, points: make(map[int64][]*models.DataPoint)}
			groups[k] = g
			keys = append(keys, k)
		}
		// Records sharing a timestamp share one prediction.
		g.points[p.Timestamp] = append(g.points[p.Timestamp], p)
	}

	req := models.GroupPredictRequest{
		Interval:    item.PrimaryQuery().AggInterval,
		PredictArgs: PredictArgs(item.Algorithm.Args),
		ExtraData:   historyAnomalyPolicy(),
	}
	for _, k := range keys {
		g := groups[k]
		ts := make([]int64, 0, len(g.points))
		for t := range g.points {
			ts = append(ts, t)
		}
		sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })

		data := make([]models.PredictData, 0, len(ts))
		for _, t := range ts {
			data = append(data, models.PredictData{Value: g.points[t][0].Value, Timestamp: util.SecondsToMs(t)})
		}
		req.Groups = append(req.Groups, models.PredictGroup{Dimensions: g.dims, Data: data})
	}

	start := time.Now()
	results, err := s.groupPredictor.GroupPredict(ctx, req)
	s.metrics.RecordLatency("group_predict", time.Since(start).Seconds())
	if err != nil {
		return &RemoteCallError{Op: "group_predict", Err: err}
	}

	for _, res := range results {
		if res.Error != "" {
			s.logger.Warn("group predict failed for series",
				logger.Int64("item_id", item.ID),
				logger.Any("dimensions", res.Dimensions),
				logger.String("status", res.Status),
				logger.String("error", res.Error),
			)
			continue
		}
		g, ok := groups[dimensionsKey(res.Dimensions)]
		if !ok {
			continue
		}
		for _, rec := range res.Result {
			ms, ok := rec.TimestampMs()
			if !ok {
				continue
			}
			for _, p := range g.points[util.MsToSeconds(ms)] {
				out[p.Key()] = p.Enrich(map[string]interface{}(rec), util.MsToSeconds(ms))
			}
		}
	}
	return nil
}

// dimensionsKey is a canonical form of a dimension set; json.Marshal sorts
// map keys.
func dimensionsKey(dims map[string]interface{}) string {
	b, _ := json.Marshal(dims)
	return string(b)
}
