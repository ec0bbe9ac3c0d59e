package ui

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"podhost/internal/telemetry"
)

type stepStatus uint8

const (
	stepPending stepStatus = iota
	stepRunning
	stepDone
	stepFailed
)

type stepState struct {
	ID      string
	Title   string
	Status  stepStatus
	Message string
}

// Progress prints one line per deploy step transition. It receives steps
// through an OpenTelemetry span processor attached to its tracer.
type Progress struct {
	provider *sdktrace.TracerProvider
	observer *stepObserver
}

func NewProgress(w io.Writer) *Progress {
	observer := newStepObserver(func(s stepState) {
		fmt.Fprintln(w, formatStepLine(s))
	})
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(&stepSpanProcessor{observer: observer}))
	return &Progress{provider: provider, observer: observer}
}

func (p *Progress) Tracer() trace.Tracer {
	return p.provider.Tracer(telemetry.TracerName)
}

func (p *Progress) Close() {
	_ = p.provider.Shutdown(context.Background())
}

func formatStepLine(s stepState) string {
	var line string
	switch s.Status {
	case stepRunning:
		line = AccentStyle.Render(icon("●", "->")) + " " + s.Title
	case stepDone:
		line = SuccessStyle.Render(icon("✓", "ok")) + " " + s.Title
	case stepFailed:
		line = ErrorStyle.Render(icon("✗", "x")) + " " + ErrorStyle.Render(s.Title)
	default:
		line = Muted(icon("○", "..") + " " + s.Title)
	}
	if s.Message != "" {
		line += " " + Muted("("+s.Message+")")
	}
	return "  " + line
}

type stepObserver struct {
	mu       sync.Mutex
	steps    map[string]stepState
	reporter func(stepState)
}

func newStepObserver(reporter func(stepState)) *stepObserver {
	return &stepObserver{steps: make(map[string]stepState), reporter: reporter}
}

func (o *stepObserver) onPlan(steps []telemetry.Step) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range steps {
		title := strings.TrimSpace(s.Title)
		if title == "" {
			title = s.ID
		}
		o.steps[s.ID] = stepState{ID: s.ID, Title: title}
	}
}

func (o *stepObserver) onStepStart(id string) {
	o.update(id, stepRunning, "")
}

func (o *stepObserver) onStepEnd(id string, failed bool, message string) {
	if failed {
		o.update(id, stepFailed, message)
		return
	}
	o.update(id, stepDone, "")
}

func (o *stepObserver) update(id string, status stepStatus, message string) {
	o.mu.Lock()
	s, ok := o.steps[id]
	if !ok {
		s = stepState{ID: id, Title: id}
	}
	if s.Status == status && s.Message == message {
		o.mu.Unlock()
		return
	}
	s.Status = status
	s.Message = strings.TrimSpace(message)
	o.steps[id] = s
	o.mu.Unlock()

	if o.reporter != nil {
		o.reporter(s)
	}
}

type stepSpanProcessor struct {
	observer *stepObserver
}

func (p *stepSpanProcessor) OnStart(_ context.Context, span sdktrace.ReadWriteSpan) {
	if span.Parent().IsValid() {
		p.observer.onStepStart(span.Name())
		return
	}
	raw := attributeValue(span.Attributes(), telemetry.PlanStepsKey)
	if raw == "" {
		return
	}
	var steps []telemetry.Step
	if err := json.Unmarshal([]byte(raw), &steps); err != nil {
		return
	}
	p.observer.onPlan(steps)
}

func (p *stepSpanProcessor) OnEnd(span sdktrace.ReadOnlySpan) {
	if !span.Parent().IsValid() {
		return
	}
	status := span.Status()
	p.observer.onStepEnd(span.Name(), status.Code == codes.Error, status.Description)
}

func (p *stepSpanProcessor) Shutdown(context.Context) error   { return nil }
func (p *stepSpanProcessor) ForceFlush(context.Context) error { return nil }

func attributeValue(attrs []attribute.KeyValue, key string) string {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value.AsString()
		}
	}
	return ""
}
