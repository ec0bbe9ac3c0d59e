// Package telemetry wraps a multi-step command in OpenTelemetry spans: one
// root span announcing the planned steps and one child span per step.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	TracerName     = "podhost"
	PlanEventName  = "podhost.plan"
	PlanStepsKey   = "podhost.plan.steps"
	StepOutcomeKey = "podhost.step.outcome"
)

// Step is one planned unit of work.
type Step struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Operation is a running root span.
type Operation struct {
	ctx    context.Context
	tracer trace.Tracer
	span   trace.Span
	steps  map[string]bool
}

// Start opens the root span and records the plan both as a start attribute,
// visible to span processors, and as an event. A nil tracer uses the
// global provider, which is a no-op unless one was installed.
func Start(ctx context.Context, tracer trace.Tracer, name string, steps []Step) (*Operation, error) {
	if tracer == nil {
		tracer = otel.Tracer(TracerName)
	}
	known := make(map[string]bool, len(steps))
	for i, s := range steps {
		id := strings.TrimSpace(s.ID)
		if id == "" {
			return nil, fmt.Errorf("start operation %q: step %d has empty id", name, i)
		}
		if known[id] {
			return nil, fmt.Errorf("start operation %q: duplicate step id %q", name, id)
		}
		known[id] = true
	}

	planJSON, err := json.Marshal(steps)
	if err != nil {
		return nil, fmt.Errorf("start operation %q: marshal plan: %w", name, err)
	}
	planAttr := attribute.String(PlanStepsKey, string(planJSON))
	spanCtx, span := tracer.Start(ctx, name, trace.WithAttributes(planAttr))
	span.AddEvent(PlanEventName, trace.WithAttributes(planAttr))
	return &Operation{ctx: spanCtx, tracer: tracer, span: span, steps: known}, nil
}

func (o *Operation) Context() context.Context {
	if o == nil {
		return context.Background()
	}
	return o.ctx
}

// Step runs fn inside a child span. Only planned steps may run.
func (o *Operation) Step(id string, fn func(context.Context) error) error {
	if o == nil {
		return fn(context.Background())
	}
	if !o.steps[id] {
		return fmt.Errorf("run step %q: not in plan", id)
	}
	ctx, span := o.tracer.Start(o.ctx, id)
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
		return err
	}
	return nil
}

// Annotate attaches attributes to the span active in ctx, e.g. a step's
// outcome.
func Annotate(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

// End closes the root span, marking it failed when err is non-nil.
func (o *Operation) End(err error) {
	if o == nil {
		return
	}
	if err != nil {
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
	}
	o.span.End()
}
