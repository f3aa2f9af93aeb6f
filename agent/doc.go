// Package agent implements the single-step action resolver and dispatcher
// at the heart of a tool-using agent: building the action catalog exposed to
// the reasoning model, invoking the model, resolving its output into
// concrete action requests (structured or recovered from free text), and
// executing those requests with the correct mix of sequencing, concurrency
// and per-action failure isolation.
//
// Execution model per step:
//   - The model invocation is the single blocking external dependency; its
//     failure aborts the step.
//   - Delegations to sub-agents run sequentially, interleaved with request
//     classification, each holding exclusive access to its sub-agent.
//   - Ordinary tool requests are queued during classification and then run
//     as one concurrent batch; each failure is captured as an observation
//     and never cancels a sibling.
//   - A final_answer request wins immediately: the step ends and any
//     later-listed or queued-but-unlaunched requests are discarded.
//
// The Step record accumulates the memory snapshot, raw model output, issued
// requests, observations and terminal answer for one iteration, and is
// handed back to the external driving loop.
package agent
