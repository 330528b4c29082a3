package zone

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"

	"github.com/skyfence/skyfence/internal/store"
)

// CompiledCondition wraps a pre-compiled CEL program for fast repeated
// evaluation on the ingestion hot path.
type CompiledCondition struct {
	Expression string
	program    cel.Program
}

// ConditionEvaluator compiles and evaluates CEL telemetry conditions such as
//
//	sample.speed_mps > 15.0 && sample.battery_pct < 25.0
//
// Expressions are compiled once at catalog load; evaluation is lock-free and
// safe for concurrent use. Telemetry fields absent from a sample evaluate
// as -1.0 so conditions can distinguish "unknown" from a real zero.
type ConditionEvaluator struct {
	env    *cel.Env
	logger *slog.Logger
}

// NewConditionEvaluator creates a ConditionEvaluator with the sample
// variables available in zone conditions.
func NewConditionEvaluator(logger *slog.Logger) (*ConditionEvaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		cel.Variable("sample.agent_id", cel.StringType),
		cel.Variable("sample.lat", cel.DoubleType),
		cel.Variable("sample.lon", cel.DoubleType),
		cel.Variable("sample.altitude_m", cel.DoubleType),
		cel.Variable("sample.speed_mps", cel.DoubleType),
		cel.Variable("sample.heading_deg", cel.DoubleType),
		cel.Variable("sample.battery_pct", cel.DoubleType),
		cel.Variable("sample.accuracy_m", cel.DoubleType),
		cel.Variable("sample.source", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &ConditionEvaluator{
		env:    env,
		logger: logger.With("component", "zone.ConditionEvaluator"),
	}, nil
}

// Compile parses and type-checks a condition expression. Called at catalog
// load time, never in the hot path.
func (c *ConditionEvaluator) Compile(expr string) (CompiledCondition, error) {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return CompiledCondition{}, fmt.Errorf("condition compile error in %q: %w", expr, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return CompiledCondition{}, fmt.Errorf("condition %q must evaluate to bool, got %s", expr, ast.OutputType())
	}

	prg, err := c.env.Program(ast)
	if err != nil {
		return CompiledCondition{}, fmt.Errorf("condition program creation failed for %q: %w", expr, err)
	}

	c.logger.Debug("compiled zone condition", "expression", expr)

	return CompiledCondition{
		Expression: expr,
		program:    prg,
	}, nil
}

// Evaluate runs a pre-compiled condition against a position sample. Returns
// true when the condition matches, i.e. the zone applies to this sample.
func (c *ConditionEvaluator) Evaluate(cond CompiledCondition, s *store.PositionSample) (bool, error) {
	vars := map[string]interface{}{
		"sample.agent_id":    s.AgentID,
		"sample.lat":         s.Lat,
		"sample.lon":         s.Lon,
		"sample.altitude_m":  floatOrUnknown(s.AltitudeM),
		"sample.speed_mps":   floatOrUnknown(s.SpeedMps),
		"sample.heading_deg": floatOrUnknown(s.HeadingDeg),
		"sample.battery_pct": floatOrUnknown(s.BatteryPct),
		"sample.accuracy_m":  floatOrUnknown(s.AccuracyM),
		"sample.source":      string(s.Source),
	}

	out, _, err := cond.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("condition evaluation error for %q: %w", cond.Expression, err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition %q returned non-bool: %T", cond.Expression, out.Value())
	}

	return result, nil
}

func floatOrUnknown(f *float64) float64 {
	if f == nil {
		return -1.0
	}
	return *f
}
