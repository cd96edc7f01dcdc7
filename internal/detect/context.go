package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/big"

	"github.com/mohae/deepcopy"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"

	"IntelliDetect/internal/domain/models"
	"IntelliDetect/pkg/logger"
)

// ExtraContext builds the render context of an anomalous point from a deep
// copy of predicted.Values. It never fails: an unusable extra_info becomes an
// empty object and a failed history lookup leaves previous_point nil.
func (s *IntelligentDetect) ExtraContext(ctx context.Context, predicted, original *models.DataPoint) map[string]interface{} {
	env, _ := deepcopy.Copy(predicted.Values).(map[string]interface{})
	if env == nil {
		env = make(map[string]interface{})
	}

	info, warn := parseExtraInfo(env)
	if warn != nil {
		s.logger.Info("get extra context failed",
			logger.String("record_id", predicted.RecordID),
			logger.String("field", warn.Field),
			logger.Any("origin", warn.Raw),
			logger.Error(warn.Err),
		)
		s.metrics.RecordError(string(warn.Code()))
	}
	env["extra_info"] = info

	if score, ok := info["anomaly_score"]; ok {
		env["anomaly_score"] = score
	}
	if raw, ok := env["anomaly_score"]; ok && raw != nil {
		rounded, err := RoundScore(raw, s.precision)
		if err != nil {
			s.logger.Info("anomaly_score is not numeric",
				logger.String("record_id", predicted.RecordID),
				logger.Any("anomaly_score", raw),
			)
			s.metrics.RecordError(string(CodeContextParse))
		} else {
			env["anomaly_score"] = rounded
		}
	}
	if msg, ok := info["alert_msg"]; ok {
		env["alert_msg"] = msg
	}

	env["previous_point"] = nil
	if prev := s.previousPoint(ctx, original); prev != nil {
		env["previous_point"] = prev
	}

	return env
}

func parseExtraInfo(env map[string]interface{}) (map[string]interface{}, *ContextParseWarning) {
	raw, ok := env["extra_info"]
	if !ok {
		return map[string]interface{}{}, nil
	}

	switch v := raw.(type) {
	case map[string]interface{}:
		return v, nil
	case string:
		var info map[string]interface{}
		if err := json.Unmarshal([]byte(v), &info); err != nil {
			return map[string]interface{}{}, &ContextParseWarning{Field: "extra_info", Raw: raw, Err: err}
		}
		if info == nil {
			return map[string]interface{}{}, nil
		}
		return info, nil
	case []byte:
		var info map[string]interface{}
		if err := json.Unmarshal(v, &info); err != nil {
			return map[string]interface{}{}, &ContextParseWarning{Field: "extra_info", Raw: string(v), Err: err}
		}
		if info == nil {
			return map[string]interface{}{}, nil
		}
		return info, nil
	}
	return map[string]interface{}{}, &ContextParseWarning{
		Field: "extra_info",
		Raw:   raw,
		Err:   fmt.Errorf("unexpected type %T", raw),
	}
}

func (s *IntelligentDetect) previousPoint(ctx context.Context, p *models.DataPoint) *models.DataPoint {
	if s.history == nil {
		return nil
	}
	offsets := s.HistoryOffsets(p.Item)
	if len(offsets) == 0 || offsets[0] <= 0 {
		return nil
	}
	prev, err := s.history.Previous(ctx, p, offsets[0])
	if err != nil {
		s.logger.Warn("fetch previous point failed",
			logger.String("record_id", p.RecordID),
			logger.Int64("timestamp", p.Timestamp),
			logger.Error(err),
		)
		s.metrics.RecordError("history_fetch")
		return nil
	}
	return prev
}

// RoundScore rounds the exact binary value of a score half-to-even at the
// given number of decimals, so 2.675 (stored as 2.67499...) becomes 2.67.
func RoundScore(v interface{}, precision int) (float64, error) {
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return f, nil
	}
	out, _ := exactDecimal(f).RoundBank(int32(precision)).Float64()
	return out, nil
}

// exactDecimal expands f = mant * 2^exp into base ten without loss;
// decimal.NewFromFloat would use the shortest representation instead.
func exactDecimal(f float64) decimal.Decimal {
	frac, exp := math.Frexp(f)
	mant := big.NewInt(int64(math.Ldexp(frac, 53)))
	exp -= 53
	if exp >= 0 {
		return decimal.NewFromBigInt(mant.Lsh(mant, uint(exp)), 0)
	}
	five := new(big.Int).Exp(big.NewInt(5), big.NewInt(int64(-exp)), nil)
	return decimal.NewFromBigInt(mant.Mul(mant, five), int32(exp))
}
