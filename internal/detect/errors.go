package detect

import (
	"errors"
	"fmt"

	"IntelliDetect/internal/domain/models"
)

// ErrorCode classifies detection failures for logs, metrics and API responses.
type ErrorCode string

const (
	CodeNotReady         ErrorCode = "not_ready"
	CodePreDetectMissing ErrorCode = "predetect_missing"
	CodeRemoteCall       ErrorCode = "remote_call"
	CodeContextParse     ErrorCode = "context_parse"
	CodeInvalidConfig    ErrorCode = "invalid_config"
	CodeInvalidPoint     ErrorCode = "invalid_point"
	CodeUnknown          ErrorCode = "unknown"
)

// NotReadyError means the strategy's history dependency is still being
// backfilled. The point should be retried later.
type NotReadyError struct {
	StrategyID int64
	ItemID     int64
	Status     models.SDKDetectStatus
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("strategy %d item %d: history dependency not ready (status %s)", e.StrategyID, e.ItemID, e.Status)
}

func (e *NotReadyError) Code() ErrorCode { return CodeNotReady }

// PreDetectMissingError means a pre-detect cache was attached to the run but
// holds no prediction for the point.
type PreDetectMissingError struct {
	Key string
}

func (e *PreDetectMissingError) Error() string {
	return fmt.Sprintf("pre-detect result missing for point %s", e.Key)
}

func (e *PreDetectMissingError) Code() ErrorCode { return CodePreDetectMissing }

// RemoteCallError wraps a failed or malformed prediction service call.
type RemoteCallError struct {
	Op  string
	Err error
}

func (e *RemoteCallError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RemoteCallError) Unwrap() error { return e.Err }

func (e *RemoteCallError) Code() ErrorCode { return CodeRemoteCall }

// ContextParseWarning describes an unusable auxiliary payload field. It is
// logged and counted, never returned from Detect.
type ContextParseWarning struct {
	Field string
	Raw   interface{}
	Err   error
}

func (e *ContextParseWarning) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Field, e.Err)
}

func (e *ContextParseWarning) Unwrap() error { return e.Err }

func (e *ContextParseWarning) Code() ErrorCode { return CodeContextParse }

// ConfigError reports an invalid algorithm argument.
type ConfigError struct {
	Field string
	Value interface{}
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid algorithm arg %s: %v", e.Field, e.Value)
}

func (e *ConfigError) Code() ErrorCode { return CodeInvalidConfig }

// ErrInvalidPoint is returned for points without an owning item.
var ErrInvalidPoint = errors.New("data point has no item")

var (
	errNoPredictor      = errors.New("prediction client not configured")
	errNoGroupPredictor = errors.New("group prediction client not configured")
	errEmptyResult      = errors.New("empty prediction result")
	errNoTimestamp      = errors.New("prediction record has no timestamp")
)

// IsRetryable reports whether err means the point should be detected again
// later rather than dropped.
func IsRetryable(err error) bool {
	var nr *NotReadyError
	return errors.As(err, &nr)
}

// CodeOf returns the code of the first typed detection error in err's chain.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var coded interface{ Code() ErrorCode }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	if errors.Is(err, ErrInvalidPoint) {
		return CodeInvalidPoint
	}
	return CodeUnknown
}
