package detect

import (
	"fmt"

	"IntelliDetect/internal/domain/models"
)

type Kind int

const (
	Normal Kind = iota
	Anomalous
	Deferred
)

func (k Kind) String() string {
	switch k {
	case Normal:
		return "normal"
	case Anomalous:
		return "anomalous"
	case Deferred:
		return "deferred"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Outcome is the result of detecting one point. Point is the point that was
// evaluated, which is the predicted point on the SDK path.
type Outcome struct {
	Kind    Kind                   `json:"kind"`
	Message string                 `json:"message,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
	Reason  string                 `json:"reason,omitempty"`
	Point   *models.DataPoint      `json:"-"`
}
