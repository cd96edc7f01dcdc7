package models

import "time"

// DeferredPointType is the queue message type of a deferred point.
const DeferredPointType = "detect.deferred"

// DeferredPoint is a point whose detection was postponed because its
// strategy was not ready yet.
type DeferredPoint struct {
	Point      *DataPoint `json:"point"`
	Reason     string     `json:"reason"`
	DeferredAt time.Time  `json:"deferred_at"`
}
