package models

import (
	"fmt"
	"sort"
)

// DataPoint is one observation of an item, optionally enriched with a
// prediction payload in Values. A DataPoint is never mutated once built;
// Enrich returns a new point.
type DataPoint struct {
	RecordID        string                 `json:"record_id" validate:"required"`
	Value           float64                `json:"value"`
	Timestamp       int64                  `json:"timestamp" validate:"gt=0"`
	Dimensions      map[string]interface{} `json:"dimensions"`
	DimensionFields []string               `json:"dimension_fields,omitempty"`
	Values          map[string]interface{} `json:"values,omitempty"`
	Item            *Item                  `json:"item" validate:"required"`
}

// Key identifies a point within a detection run.
func (p *DataPoint) Key() string {
	return PointKey(p.RecordID, p.Timestamp)
}

// PointKey builds the identity key from record id and timestamp (seconds).
func PointKey(recordID string, ts int64) string {
	return fmt.Sprintf("%s|%d", recordID, ts)
}

// Fields returns DimensionFields, falling back to the sorted keys of Dimensions.
func (p *DataPoint) Fields() []string {
	if len(p.DimensionFields) > 0 {
		return p.DimensionFields
	}
	fields := make([]string, 0, len(p.Dimensions))
	for k := range p.Dimensions {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

// Enrich returns a copy of p carrying the given prediction payload and timestamp.
// Dimensions and Item are shared with p; neither is modified by detection.
func (p *DataPoint) Enrich(values map[string]interface{}, ts int64) *DataPoint {
	return &DataPoint{
		RecordID:        p.RecordID,
		Value:           p.Value,
		Timestamp:       ts,
		Dimensions:      p.Dimensions,
		DimensionFields: p.Fields(),
		Values:          values,
		Item:            p.Item,
	}
}

// Unit returns the owning item's unit, or "" for detached points.
func (p *DataPoint) Unit() string {
	if p.Item == nil {
		return ""
	}
	return p.Item.Unit
}
