package agent

import (
	"time"

	"github.com/hupe1980/agentstep/model"
)

// NoActionObservation is the synthetic observation recorded when the model
// produced neither an action nor free text. It instructs the model to use
// the final_answer tool if it intended to finish.
const NoActionObservation = "No tool call was made. If this is the final answer, use the final_answer tool to return your answer."

// Step is the record of one think-act-observe iteration. It is created
// empty at the start of a step, mutated in place while the step executes,
// and handed back immutable to the caller, who owns its storage and appends
// it to the persistent step log.
//
// A Step with a final answer set is terminal; a non-terminal Step's
// observations become additional conversation turns for the next iteration.
type Step struct {
	// ID uniquely identifies this step record.
	ID string `json:"id"`
	// Index is the iteration number assigned by the driving loop.
	Index int `json:"index"`
	// Memory is the snapshot of the conversation passed to the model.
	Memory []model.Message `json:"memory,omitempty"`
	// RawOutput is the model's free text output, recorded before parsing.
	RawOutput string `json:"raw_output,omitempty"`
	// ToolCalls are the action requests actually issued this turn,
	// structured-native or parser-synthesized. Empty means no action.
	ToolCalls []model.ToolCall `json:"tool_calls,omitempty"`
	// Observations holds one result (or failure text) per executed
	// non-terminal action, in request order.
	Observations []string `json:"observations,omitempty"`
	// FinalAnswer, when set, ends the step loop.
	FinalAnswer *string `json:"final_answer,omitempty"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Terminal reports whether this step produced a final answer.
func (s *Step) Terminal() bool { return s.FinalAnswer != nil }

// Answer returns the final answer or the empty string for non-terminal steps.
func (s *Step) Answer() string {
	if s.FinalAnswer == nil {
		return ""
	}
	return *s.FinalAnswer
}

// ObservationMessages renders the observations as conversation turns for the
// next step's memory. The driving loop appends these to the conversation it
// owns.
func (s *Step) ObservationMessages() []model.Message {
	msgs := make([]model.Message, 0, len(s.Observations))
	for _, obs := range s.Observations {
		msgs = append(msgs, model.NewMessage(model.RoleTool, obs))
	}
	return msgs
}

func (s *Step) setFinalAnswer(answer string) {
	s.FinalAnswer = &answer
	// Terminal steps mirror the answer into the observation list so the
	// step log reads uniformly.
	s.Observations = []string{answer}
}
