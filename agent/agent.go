package agent

import "context"

// SubAgent is the delegation collaborator: an agent that can be handed a
// sub-task and runs its own step loop to completion.
//
// A SubAgent carries its own internal step log and run state. The dispatcher
// treats it as a single-owner resource: it is never invoked concurrently
// with itself, and a delegation holds exclusive access for the duration of
// the call.
type SubAgent interface {
	// Name returns the unique identifier the sub-agent is advertised under
	// in the step catalog.
	Name() string

	// Description returns the natural language description exposed to the
	// reasoning model for delegation decisions.
	Description() string

	// Run executes the sub-agent on the given task and returns its final
	// answer. reset requests a fresh run state rather than continuing a
	// previous conversation. An unrecovered error aborts the delegating
	// step.
	Run(ctx context.Context, task string, reset bool) (string, error)
}
