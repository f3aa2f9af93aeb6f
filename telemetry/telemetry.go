package telemetry

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/agentstep/logging"
	"github.com/hupe1980/agentstep/model"
)

// Options configures a StepTelemetry instance.
type Options struct {
	// Tracer overrides the default tracer obtained from the global provider.
	Tracer trace.Tracer
	// Logger mirrors span events to structured logs. Defaults to NoOpLogger.
	Logger logging.Logger
}

// StepTelemetry records step lifecycle events as spans and log entries.
// The zero-cost path (no tracer provider, NoOpLogger) is safe in tests.
type StepTelemetry struct {
	tracer trace.Tracer
	logger logging.Logger
}

// New creates a StepTelemetry for the named agent.
func New(agentName string, optFns ...func(o *Options)) *StepTelemetry {
	opts := Options{
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/hupe1980/agentstep/" + agentName)
	}
	return &StepTelemetry{tracer: opts.Tracer, logger: opts.Logger}
}

// StartStep opens the span covering one think-act-observe iteration.
func (t *StepTelemetry) StartStep(ctx context.Context, step int) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "agent.step", trace.WithAttributes(
		attribute.Int("step.index", step),
	))
	t.logger.Debug("step.start", "step", step)
	return ctx, span
}

// LogMemory records the conversation snapshot handed to the model.
func (t *StepTelemetry) LogMemory(span trace.Span, memory []model.Message) {
	if raw, err := json.Marshal(memory); err == nil {
		span.AddEvent("memory.snapshot", trace.WithAttributes(
			attribute.Int("messages", len(memory)),
			attribute.String("payload", string(raw)),
		))
	}
	t.logger.Debug("step.memory", "messages", len(memory))
}

// LogActionRequests records the structured (or parser-synthesized) action
// requests issued by the model this turn.
func (t *StepTelemetry) LogActionRequests(span trace.Span, calls []model.ToolCall) {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Function.Name
	}
	span.AddEvent("actions.issued", trace.WithAttributes(
		attribute.Int("count", len(calls)),
		attribute.StringSlice("names", names),
	))
	t.logger.Info("step.actions", "count", len(calls), "names", names)
}

// StartAction opens a child span for a single tool or delegation execution.
// Kind is "tool" or "delegate".
func (t *StepTelemetry) StartAction(ctx context.Context, kind, name string, arguments json.RawMessage) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "agent.action", trace.WithAttributes(
		attribute.String("action.kind", kind),
		attribute.String("action.name", name),
		attribute.String("action.arguments", string(arguments)),
	))
	t.logger.Info("action.start", "kind", kind, "name", name)
	return ctx, span
}

// EndAction records the textual outcome of an action and closes its span.
func (t *StepTelemetry) EndAction(span trace.Span, name, result string, success bool) {
	span.SetAttributes(
		attribute.Bool("action.success", success),
		attribute.String("action.result", result),
	)
	span.End()
	t.logger.Info("action.result", "name", name, "success", success)
}

// LogFinalAnswer records the terminal answer that ends the step loop.
func (t *StepTelemetry) LogFinalAnswer(span trace.Span, answer string) {
	span.AddEvent("final.answer", trace.WithAttributes(
		attribute.String("answer", answer),
	))
	t.logger.Info("step.final_answer")
}

// LogObservations records the observation list fed back into memory.
func (t *StepTelemetry) LogObservations(span trace.Span, observations []string) {
	span.AddEvent("observations", trace.WithAttributes(
		attribute.Int("count", len(observations)),
	))
	t.logger.Debug("step.observations", "count", len(observations))
}

// EndStep stamps the step end time and closes the step span.
func (t *StepTelemetry) EndStep(span trace.Span, step int, terminal bool) {
	span.SetAttributes(
		attribute.Bool("step.terminal", terminal),
		attribute.String("step.end_time", time.Now().UTC().Format(time.RFC3339Nano)),
	)
	span.End()
	t.logger.Debug("step.end", "step", step, "terminal", terminal)
}
