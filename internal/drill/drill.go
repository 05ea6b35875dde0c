// Package drill runs consistency experiments against a live circulation
// service: establish a steady state, inject load, and check the availability
// invariant still holds afterwards.
package drill

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Experiment is one drill.
type Experiment struct {
	Name       string
	Hypothesis string
	// SteadyState probes must pass before and after the method runs.
	SteadyState []Probe
	Method      func(ctx context.Context, r *Result) error
	Validation  []Assertion
}

// Probe measures a property of the system.
type Probe struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

// Assertion checks the final value of a probe or outcome counter.
type Assertion struct {
	Metric    string
	Condition func(float64) bool
	Message   string
}

// Result captures one run.
type Result struct {
	Experiment       string             `json:"experiment"`
	StartTime        time.Time          `json:"start_time"`
	Duration         time.Duration      `json:"duration"`
	SteadyStateValid bool               `json:"steady_state_valid"`
	HypothesisHeld   bool               `json:"hypothesis_held"`
	Observations     map[string]float64 `json:"observations"`
	Outcomes         map[string]int     `json:"outcomes"`
	Violations       []Violation        `json:"violations,omitempty"`
	Failures         []string           `json:"failures,omitempty"`

	mu sync.Mutex
}

type Violation struct {
	Metric   string  `json:"metric"`
	Expected float64 `json:"expected"`
	Actual   float64 `json:"actual"`
	Phase    string  `json:"phase"`
}

// Count records one outcome of the method. Safe for concurrent use.
func (r *Result) Count(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Outcomes[outcome]++
}

// ErrSteadyState aborts a run whose preconditions do not hold.
var ErrSteadyState = errors.New("steady state invalid, aborting experiment")

// Engine runs experiments.
type Engine struct {
	tracer trace.Tracer
}

func NewEngine() *Engine {
	return &Engine{tracer: otel.Tracer("librarycirc/drill")}
}

// Run executes exp. The returned error is non-nil only when the run could not
// be carried out; a violated hypothesis is reported in the result.
func (e *Engine) Run(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "drill.run", trace.WithAttributes(
		attribute.String("experiment.name", exp.Name),
	))
	defer span.End()

	result := &Result{
		Experiment:   exp.Name,
		StartTime:    time.Now(),
		Observations: make(map[string]float64),
		Outcomes:     make(map[string]int),
	}

	span.AddEvent("validating_steady_state")
	if !e.probe(ctx, exp.SteadyState, result, "before") {
		result.Duration = time.Since(result.StartTime)
		return result, ErrSteadyState
	}
	result.SteadyStateValid = true

	span.AddEvent("running_method")
	if err := exp.Method(ctx, result); err != nil {
		span.RecordError(err)
		result.Duration = time.Since(result.StartTime)
		return result, err
	}

	span.AddEvent("validating_assertions")
	held := e.probe(ctx, exp.SteadyState, result, "after")
	for _, a := range exp.Validation {
		if !e.assert(a, result) {
			held = false
			result.Failures = append(result.Failures, a.Message)
		}
	}
	result.HypothesisHeld = held
	result.Duration = time.Since(result.StartTime)

	span.SetAttributes(
		attribute.Bool("hypothesis_held", held),
		attribute.Int("violations", len(result.Violations)),
	)
	return result, nil
}

func (e *Engine) probe(ctx context.Context, probes []Probe, r *Result, phase string) bool {
	ok := true
	for _, p := range probes {
		value, err := p.Query(ctx)
		if err != nil {
			r.Failures = append(r.Failures, p.Name+": "+err.Error())
			ok = false
			continue
		}
		r.Observations[p.Name] = value
		if !evaluate(value, p.Threshold) {
			r.Violations = append(r.Violations, Violation{
				Metric:   p.Name,
				Expected: p.Threshold.Value,
				Actual:   value,
				Phase:    phase,
			})
			ok = false
		}
	}
	return ok
}

func (e *Engine) assert(a Assertion, r *Result) bool {
	if v, ok := r.Observations[a.Metric]; ok {
		return a.Condition(v)
	}
	if n, ok := r.Outcomes[a.Metric]; ok {
		return a.Condition(float64(n))
	}
	return a.Condition(0)
}

func evaluate(value float64, t Threshold) bool {
	switch t.Operator {
	case ">":
		return value > t.Value
	case "<":
		return value < t.Value
	case ">=":
		return value >= t.Value
	case "<=":
		return value <= t.Value
	case "==":
		return value == t.Value
	default:
		return false
	}
}
