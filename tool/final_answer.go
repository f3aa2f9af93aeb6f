package tool

import (
	"context"
	"fmt"
)

// FinalAnswerName is the reserved action name that terminates a step. The
// dispatcher checks it before any delegate or tool lookup; registering a
// different tool under this name is a configuration error by construction.
const FinalAnswerName = "final_answer"

// finalAnswerTool returns the provided answer verbatim, ending the step loop.
type finalAnswerTool struct{}

// NewFinalAnswerTool constructs the terminal-answer handler instance.
func NewFinalAnswerTool() Tool { return &finalAnswerTool{} }

func (t *finalAnswerTool) Name() string { return FinalAnswerName }

func (t *finalAnswerTool) Description() string {
	return "Return the final answer to the task and end the run. Use once the task is fully solved."
}

func (t *finalAnswerTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"answer": map[string]any{"type": "string", "description": "The final answer to return"},
		},
		"required": []string{"answer"},
	}
}

func (t *finalAnswerTool) Call(_ context.Context, args map[string]any) (any, error) {
	raw, ok := args["answer"]
	if !ok {
		return nil, fmt.Errorf("missing required field 'answer'")
	}
	return Stringify(raw), nil
}
