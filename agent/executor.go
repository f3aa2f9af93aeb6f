package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agentstep/logging"
	"github.com/hupe1980/agentstep/model"
	"github.com/hupe1980/agentstep/telemetry"
	"github.com/hupe1980/agentstep/tool"
)

// Options configures a StepExecutor.
type Options struct {
	// Tools is the action registry advertised to the model. When nil an
	// empty registry is created. A final_answer tool is registered
	// automatically if absent.
	Tools *tool.Registry
	// SubAgents are the delegation targets advertised alongside the tools.
	SubAgents []SubAgent
	// Logger receives structured step events. Defaults to NoOpLogger.
	Logger logging.Logger
	// Telemetry records step and action spans. Defaults to a telemetry
	// instance bound to the executor name with no logger of its own.
	Telemetry *telemetry.StepTelemetry
	// MaxParallelTools bounds concurrent tool execution within a step.
	// Zero or negative means unbounded.
	MaxParallelTools int
	// StepTimeout bounds a single Execute call. Zero means no deadline
	// beyond what the caller's context carries.
	StepTimeout time.Duration
	// StopSequences are handed to the model with every request. Defaults
	// to the observation marker so the model stops before hallucinating
	// results.
	StopSequences []string
}

// WithLogger sets the structured logger.
func WithLogger(logger logging.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = logger }
}

// WithTelemetry sets the telemetry recorder.
func WithTelemetry(t *telemetry.StepTelemetry) func(o *Options) {
	return func(o *Options) { o.Telemetry = t }
}

// WithTools sets the tool registry.
func WithTools(r *tool.Registry) func(o *Options) {
	return func(o *Options) { o.Tools = r }
}

// WithSubAgents sets the delegation targets.
func WithSubAgents(subAgents ...SubAgent) func(o *Options) {
	return func(o *Options) { o.SubAgents = subAgents }
}

// WithMaxParallelTools bounds concurrent tool execution within a step.
func WithMaxParallelTools(n int) func(o *Options) {
	return func(o *Options) { o.MaxParallelTools = n }
}

// WithStepTimeout bounds the wall time of a single step.
func WithStepTimeout(d time.Duration) func(o *Options) {
	return func(o *Options) { o.StepTimeout = d }
}

// WithStopSequences overrides the stop sequences sent with each request.
func WithStopSequences(stop ...string) func(o *Options) {
	return func(o *Options) { o.StopSequences = stop }
}

// StepExecutor resolves and dispatches a single think-act-observe step: it
// builds the action catalog, invokes the model, recovers actions from free
// text when the provider returned none, and executes the resulting actions
// in classified order. The caller owns the surrounding loop and memory.
type StepExecutor struct {
	name      string
	model     model.Model
	tools     *tool.Registry
	subAgents map[string]SubAgent
	// order preserves sub-agent registration order for the catalog.
	order []string

	logger    logging.Logger
	telemetry *telemetry.StepTelemetry

	maxParallelTools int
	stepTimeout      time.Duration
	stopSequences    []string
}

// NewStepExecutor creates a StepExecutor for the given model. Configuration
// errors (duplicate or unnamed sub-agents, registry seeding failures) are
// returned before any step runs.
func NewStepExecutor(name string, m model.Model, optFns ...func(o *Options)) (*StepExecutor, error) {
	opts := Options{
		Logger:        logging.NoOpLogger{},
		StopSequences: []string{"Observation:"},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	registry := opts.Tools
	if registry == nil {
		var err error
		registry, err = tool.NewRegistry()
		if err != nil {
			return nil, err
		}
	}
	if !registry.Has(tool.FinalAnswerName) {
		if err := registry.Register(tool.NewFinalAnswerTool()); err != nil {
			return nil, err
		}
	}

	subAgents := make(map[string]SubAgent, len(opts.SubAgents))
	order := make([]string, 0, len(opts.SubAgents))
	for _, sa := range opts.SubAgents {
		saName := sa.Name()
		if saName == "" {
			return nil, fmt.Errorf("sub-agent name must not be empty")
		}
		if _, exists := subAgents[saName]; exists {
			return nil, fmt.Errorf("sub-agent %q already registered", saName)
		}
		if registry.Has(saName) {
			return nil, fmt.Errorf("sub-agent %q collides with a registered tool", saName)
		}
		subAgents[saName] = sa
		order = append(order, saName)
	}

	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.New(name)
	}

	return &StepExecutor{
		name:             name,
		model:            m,
		tools:            registry,
		subAgents:        subAgents,
		order:            order,
		logger:           opts.Logger,
		telemetry:        tel,
		maxParallelTools: opts.MaxParallelTools,
		stepTimeout:      opts.StepTimeout,
		stopSequences:    opts.StopSequences,
	}, nil
}

// Name returns the executor's agent name.
func (e *StepExecutor) Name() string { return e.name }

// Tools returns the action registry backing this executor.
func (e *StepExecutor) Tools() *tool.Registry { return e.tools }

// Catalog returns the full action catalog advertised to the model: the tool
// definitions in registration order followed by one delegation entry per
// sub-agent.
func (e *StepExecutor) Catalog() []model.ToolDefinition {
	defs := e.tools.Definitions()
	for _, saName := range e.order {
		sa := e.subAgents[saName]
		defs = append(defs, model.ToolDefinition{
			Type: "function",
			Function: model.FunctionDefinition{
				Name:        sa.Name(),
				Description: sa.Description(),
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"task": map[string]any{
							"type":        "string",
							"description": "The task to perform",
						},
					},
					"required": []string{"task"},
				},
			},
		})
	}
	return defs
}

// Execute runs one step against the given conversation snapshot. The
// returned Step is always non-nil and carries whatever was recorded before
// a failure; on error the step is not terminal and its observations must
// not be fed back into memory.
//
// memory is the live conversation for this step; history is an optional
// prior-context prefix kept separate so providers can treat it differently.
func (e *StepExecutor) Execute(ctx context.Context, index int, memory, history []model.Message) (*Step, error) {
	if e.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
	}

	step := &Step{
		ID:        uuid.NewString(),
		Index:     index,
		Memory:    memory,
		StartedAt: time.Now().UTC(),
	}

	ctx, span := e.telemetry.StartStep(ctx, index)
	defer func() {
		step.CompletedAt = time.Now().UTC()
		e.telemetry.EndStep(span, index, step.Terminal())
		e.logger.Debug("step.complete",
			"step", index,
			"terminal", step.Terminal(),
			"duration_ms", step.CompletedAt.Sub(step.StartedAt).Milliseconds())
	}()

	e.telemetry.LogMemory(span, memory)

	resp, err := e.model.Generate(ctx, model.Request{
		Messages: memory,
		History:  history,
		Tools:    e.Catalog(),
		Params: model.GenerationParams{
			Stop: e.stopSequences,
		},
	})
	if err != nil {
		return step, fmt.Errorf("model invocation failed: %w", err)
	}

	step.RawOutput = resp.Content

	calls := resp.ToolCalls
	if len(calls) == 0 && resp.HasContent() {
		call, parseErr := ParseAction(resp.Content)
		switch {
		case parseErr == nil:
			calls = []model.ToolCall{*call}
		case errors.Is(parseErr, ErrNoAction):
			// Free text with no recoverable action is the answer itself.
			step.setFinalAnswer(resp.Content)
			e.telemetry.LogFinalAnswer(span, resp.Content)
			return step, nil
		default:
			return step, fmt.Errorf("action parsing failed: %w", parseErr)
		}
	}

	if len(calls) == 0 {
		// Neither an action nor text: feed a nudge back as the observation.
		step.Observations = []string{NoActionObservation}
		e.telemetry.LogObservations(span, step.Observations)
		e.logger.Warn("step.no_action", "step", index)
		return step, nil
	}

	step.ToolCalls = calls
	e.telemetry.LogActionRequests(span, calls)

	return step, e.dispatch(ctx, span, step, calls)
}

// dispatch classifies and executes the issued calls: a final answer
// short-circuits everything after it, delegations run sequentially in
// request order, and the remaining tool calls run as a concurrent batch
// whose failures become observations rather than step errors.
func (e *StepExecutor) dispatch(ctx context.Context, span trace.Span, step *Step, calls []model.ToolCall) error {
	var (
		delegations []string
		queued      []model.ToolCall
	)

	for _, call := range calls {
		name := call.Function.Name

		if name == tool.FinalAnswerName {
			answer, err := e.tools.Call(ctx, name, call.Function.Arguments)
			if err != nil {
				return fmt.Errorf("final answer failed: %w", err)
			}
			step.setFinalAnswer(answer)
			e.telemetry.LogFinalAnswer(span, answer)
			return nil
		}

		if sa, ok := e.subAgents[name]; ok {
			obs, err := e.delegate(ctx, sa, call)
			if err != nil {
				return err
			}
			delegations = append(delegations, obs)
			continue
		}

		queued = append(queued, call)
	}

	results := make([]string, len(queued))

	var g errgroup.Group
	if e.maxParallelTools > 0 {
		g.SetLimit(e.maxParallelTools)
	}
	for i, call := range queued {
		i, call := i, call
		g.Go(func() error {
			actionCtx, actionSpan := e.telemetry.StartAction(ctx, "tool", call.Function.Name, call.Function.Arguments)
			text, err := e.tools.Call(actionCtx, call.Function.Name, call.Function.Arguments)
			if err != nil {
				// Tool failures are observations for the model, never
				// reasons to abort the step or its sibling calls.
				results[i] = err.Error()
				e.telemetry.EndAction(actionSpan, call.Function.Name, results[i], false)
				e.logger.Warn("tool.failed", "tool", call.Function.Name, "error", err)
				return nil
			}
			results[i] = text
			e.telemetry.EndAction(actionSpan, call.Function.Name, text, true)
			return nil
		})
	}
	_ = g.Wait()

	step.Observations = append(delegations, results...)
	e.telemetry.LogObservations(span, step.Observations)
	return nil
}

// delegate runs a single sub-agent call to completion. Delegation errors
// abort the step: a sub-agent failure means its internal state can no
// longer be trusted for this run.
func (e *StepExecutor) delegate(ctx context.Context, sa SubAgent, call model.ToolCall) (string, error) {
	args, err := tool.DecodeArguments(call.Function.Arguments)
	if err != nil {
		return "", fmt.Errorf("delegation to %s: %w", sa.Name(), err)
	}
	task, ok := args["task"].(string)
	if !ok {
		return "", fmt.Errorf("delegation to %s: missing required field 'task'", sa.Name())
	}

	actionCtx, actionSpan := e.telemetry.StartAction(ctx, "delegate", sa.Name(), call.Function.Arguments)
	answer, err := sa.Run(actionCtx, task, true)
	if err != nil {
		e.telemetry.EndAction(actionSpan, sa.Name(), err.Error(), false)
		return "", fmt.Errorf("delegation to %s failed: %w", sa.Name(), err)
	}
	e.telemetry.EndAction(actionSpan, sa.Name(), answer, true)
	return answer, nil
}
