package detect

import (
	"context"
	"fmt"

	"github.com/spf13/cast"

	"IntelliDetect/internal/domain/models"
	"IntelliDetect/internal/domain/service"
	"IntelliDetect/pkg/logger"
)

// Expression pairs a boolean predicate with the message template rendered
// when it holds.
type Expression struct {
	Expr     string
	Template string
}

// ContextFunc builds extra render context for an anomalous point. evaluated
// is the point the predicate ran on, original the point the caller passed in.
type ContextFunc func(ctx context.Context, evaluated, original *models.DataPoint) map[string]interface{}

// BaseDetector runs expression rules over a point. It is the only place the
// anomaly decision is made.
type BaseDetector struct {
	evaluator   service.ExpressionEvaluator
	expressions []Expression
	extra       ContextFunc
	logger      *logger.Logger
}

func NewBaseDetector(ev service.ExpressionEvaluator, exprs []Expression, extra ContextFunc, log *logger.Logger) *BaseDetector {
	if log == nil {
		log = logger.Nop()
	}
	return &BaseDetector{evaluator: ev, expressions: exprs, extra: extra, logger: log}
}

// Detect evaluates the rules in order; the first that holds makes the point
// anomalous.
func (b *BaseDetector) Detect(ctx context.Context, evaluated, original *models.DataPoint) (Outcome, error) {
	env := Env(evaluated)

	for _, e := range b.expressions {
		ok, err := b.evaluator.Evaluate(e.Expr, env)
		if err != nil {
			return Outcome{}, fmt.Errorf("evaluate %q: %w", e.Expr, err)
		}
		if !ok {
			continue
		}

		rctx := env
		if b.extra != nil {
			rctx = merge(env, b.extra(ctx, evaluated, original))
		}

		msg, err := b.evaluator.Render(e.Template, rctx)
		if err != nil {
			b.logger.Warn("render anomaly message failed",
				logger.String("record_id", evaluated.RecordID),
				logger.Error(err),
			)
			msg = e.Expr
		}

		return Outcome{Kind: Anomalous, Message: msg, Context: rctx, Point: evaluated}, nil
	}

	return Outcome{Kind: Normal, Point: evaluated}, nil
}

// Env flattens a point into the evaluation environment: its Values plus
// value, timestamp, dimensions and unit. is_anomaly is coerced to a number
// and defaults to 0.
func Env(p *models.DataPoint) map[string]interface{} {
	env := make(map[string]interface{}, len(p.Values)+5)
	for k, v := range p.Values {
		env[k] = v
	}
	env["value"] = p.Value
	env["timestamp"] = p.Timestamp
	env["dimensions"] = p.Dimensions
	env["unit"] = p.Unit()

	flag, err := cast.ToFloat64E(env["is_anomaly"])
	if err != nil {
		flag = 0
	}
	env["is_anomaly"] = flag
	return env
}

func merge(base, extra map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
