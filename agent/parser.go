package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/hupe1980/agentstep/model"
)

const (
	// actionMarker prefixes a free-form action block ("Action: {...}").
	actionMarker = "Action:"
	// toolCallOpenTag / toolCallCloseTag delimit a tagged action block.
	toolCallOpenTag  = "<tool_call>"
	toolCallCloseTag = "</tool_call>"
)

// ErrNoAction is reported when neither extraction strategy finds an action
// candidate in the text. Callers distinguish this from a malformed candidate
// (*ParseError): text without an action is a final answer, a broken action
// block is not.
var ErrNoAction = errors.New("no action found in model output")

// ParseError indicates an action candidate was located but could not be
// decoded into a valid action request.
type ParseError struct {
	Candidate string // extracted JSON candidate, as found in the text
	Reason    string
	Err       error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid action JSON: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid action JSON: %s", e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// actionPayload is the decoded shape of a free-text action block.
type actionPayload struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ParseAction recovers a single action request from free text. It is the
// fallback path used when the model produced no structured tool calls but
// did return non-empty text.
//
// Two extraction strategies are attempted in order:
//
//  1. Marker-delimited: the text after the first "Action:" marker, taking
//     the span from its first '{' to its last '}' (the outermost brace span
//     tolerates nested objects inside arguments).
//  2. Tagged block: the content between the first <tool_call> and
//     </tool_call> pair, trimmed, accepted only if brace-delimited.
//
// Raw newline and carriage-return characters inside the candidate are
// normalized into escape sequences before decoding, since models frequently
// emit raw newlines inside string values. For structurally formatted
// objects (newlines between members) the unescaped body and a jsonrepair
// pass are tried as well.
//
// The decoded object must carry a non-empty "name" and an "arguments"
// field; anything else is a *ParseError. When no candidate exists at all,
// ErrNoAction is returned. On success a fresh request ID is generated, so
// repeated calls on the same text yield identical results modulo the ID.
func ParseAction(text string) (*model.ToolCall, error) {
	candidate, ok := extractActionJSON(text)
	if !ok {
		return nil, ErrNoAction
	}

	payload, err := decodeCandidate(candidate)
	if err != nil {
		return nil, err
	}

	return &model.ToolCall{
		ID:   "call_" + gonanoid.Must(),
		Type: "function",
		Function: model.ToolCallFunction{
			Name:      payload.Name,
			Arguments: payload.Arguments,
		},
	}, nil
}

// extractActionJSON locates a raw action candidate using the marker
// strategy first, then the tagged-block strategy.
func extractActionJSON(text string) (string, bool) {
	if _, after, found := strings.Cut(text, actionMarker); found {
		start := strings.Index(after, "{")
		end := strings.LastIndex(after, "}")
		if start != -1 && end > start {
			return after[start : end+1], true
		}
	}

	if _, after, found := strings.Cut(text, toolCallOpenTag); found {
		if content, _, closed := strings.Cut(after, toolCallCloseTag); closed {
			trimmed := strings.TrimSpace(content)
			if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
				return trimmed, true
			}
		}
	}

	return "", false
}

// decodeCandidate decodes the newline-escaped candidate, falling back to
// the raw body and then a jsonrepair pass before reporting a ParseError.
func decodeCandidate(candidate string) (*actionPayload, error) {
	attempts := []string{escapeNewlines(candidate), candidate}
	if repaired, err := jsonrepair.JSONRepair(candidate); err == nil {
		attempts = append(attempts, repaired)
	}

	var lastErr error
	for _, attempt := range attempts {
		var payload actionPayload
		if err := json.Unmarshal([]byte(attempt), &payload); err != nil {
			lastErr = err
			continue
		}
		if payload.Name == "" {
			return nil, &ParseError{Candidate: candidate, Reason: `missing required field "name"`}
		}
		if len(payload.Arguments) == 0 {
			return nil, &ParseError{Candidate: candidate, Reason: `missing required field "arguments"`}
		}
		return &payload, nil
	}
	return nil, &ParseError{Candidate: candidate, Reason: "decode failed", Err: lastErr}
}

func escapeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\n", "\\n")
	return strings.ReplaceAll(s, "\r", "\\r")
}
