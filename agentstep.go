// Package agentstep provides a high-level façade over the step executor and
// its collaborators (models, tools, sub-agents, logging & telemetry) for
// building tool-using reasoning agents one step at a time. Most applications
// interact with this package by:
//  1. Creating an AgentStep via New() with a model and a set of tools
//  2. Driving the step loop themselves: calling ExecuteStep with the current
//     conversation until a terminal step is returned
//  3. Feeding each non-terminal step's observation messages back into the
//     conversation for the next call
//
// The façade delegates resolution and dispatch to agent.StepExecutor while
// keeping setup ergonomics concise. Memory construction, step budgets and
// retry policy stay with the caller; the core never retries and never owns
// the conversation.
package agentstep

import (
	"context"
	"time"

	"github.com/hupe1980/agentstep/agent"
	"github.com/hupe1980/agentstep/logging"
	"github.com/hupe1980/agentstep/model"
	"github.com/hupe1980/agentstep/telemetry"
	"github.com/hupe1980/agentstep/tool"
)

// Options configures the AgentStep instance.
type Options struct {
	// Tools are registered into a fresh registry in the given order. A
	// final_answer tool is added automatically if absent.
	Tools []tool.Tool

	// SubAgents are the delegation targets advertised to the model.
	SubAgents []agent.SubAgent

	// Logger receives structured step events (defaults to NoOp logger if nil).
	Logger logging.Logger

	// Telemetry records step and action spans. When nil a recorder bound to
	// the agent name and the global tracer provider is created.
	Telemetry *telemetry.StepTelemetry

	// MaxParallelTools bounds concurrent tool execution within a step.
	// Zero means unbounded.
	MaxParallelTools int

	// StepTimeout bounds the wall time of a single step. Zero disables the
	// deadline.
	StepTimeout time.Duration

	// StopSequences override the default generation stop sequences.
	StopSequences []string
}

// AgentStep is the high-level façade aggregating the step executor and its
// collaborators.
type AgentStep struct {
	opts     Options
	executor *agent.StepExecutor
}

// New creates a new AgentStep for the given name and model with optional
// overrides. Configuration errors (duplicate tool or sub-agent names) are
// surfaced before any step runs.
func New(name string, m model.Model, optFns ...func(o *Options)) (*AgentStep, error) {
	opts := Options{
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	registry, err := tool.NewRegistry(opts.Tools...)
	if err != nil {
		return nil, err
	}

	executor, err := agent.NewStepExecutor(name, m, func(o *agent.Options) {
		o.Tools = registry
		o.SubAgents = opts.SubAgents
		o.Logger = opts.Logger
		o.Telemetry = opts.Telemetry
		o.MaxParallelTools = opts.MaxParallelTools
		o.StepTimeout = opts.StepTimeout
		if len(opts.StopSequences) > 0 {
			o.StopSequences = opts.StopSequences
		}
	})
	if err != nil {
		return nil, err
	}

	return &AgentStep{opts: opts, executor: executor}, nil
}

// Name returns the agent name.
func (a *AgentStep) Name() string { return a.executor.Name() }

// Tools returns the action registry backing this agent, allowing late
// registrations before the first step.
func (a *AgentStep) Tools() *tool.Registry { return a.executor.Tools() }

// Catalog returns the full action catalog advertised to the model.
func (a *AgentStep) Catalog() []model.ToolDefinition { return a.executor.Catalog() }

// ExecuteStep runs a single think-act-observe step against the given
// conversation. The returned step is terminal when it carries a final
// answer; otherwise its ObservationMessages belong in the next call's
// memory. On error the step holds whatever was recorded before the failure
// and its observations must be discarded.
func (a *AgentStep) ExecuteStep(ctx context.Context, index int, memory []model.Message) (*agent.Step, error) {
	return a.executor.Execute(ctx, index, memory, nil)
}

// ExecuteStepWithHistory is ExecuteStep with an additional prior-context
// prefix kept separate from the live conversation, for providers that treat
// history differently.
func (a *AgentStep) ExecuteStepWithHistory(ctx context.Context, index int, memory, history []model.Message) (*agent.Step, error) {
	return a.executor.Execute(ctx, index, memory, history)
}
