package repository

import (
	"encoding/json"

	"IntelliDetect/internal/domain/models"
	"IntelliDetect/pkg/cache"
)

const historyKeyPrefix = "detect:history"

// dimensionsKey hashes the dimension values a point is identified by. Two
// points of one item with the same key belong to the same series.
func dimensionsKey(p *models.DataPoint) string {
	fields := p.Fields()
	dims := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		dims[f] = p.Dimensions[f]
	}
	// map keys are sorted by json.Marshal
	b, _ := json.Marshal(dims)
	return cache.HashKey(string(b))
}

func historyKey(p *models.DataPoint, ts int64) string {
	return cache.GenerateKeyWithParams(historyKeyPrefix, p.Item.StrategyID, p.Item.ID, dimensionsKey(p), ts)
}
