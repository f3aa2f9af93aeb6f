package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentstep/model"
	"github.com/hupe1980/agentstep/tool"
)

type stubSubAgent struct {
	name        string
	description string
	answer      string
	err         error

	gotTask  string
	gotReset bool
	calls    int32
}

func (s *stubSubAgent) Name() string        { return s.name }
func (s *stubSubAgent) Description() string { return s.description }

func (s *stubSubAgent) Run(_ context.Context, task string, reset bool) (string, error) {
	atomic.AddInt32(&s.calls, 1)
	s.gotTask = task
	s.gotReset = reset
	return s.answer, s.err
}

func echoTool(name, result string, calls *int32) tool.Tool {
	return tool.NewFunctionTool(name, "returns a canned result",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
			},
		},
		func(_ context.Context, _ map[string]any) (any, error) {
			if calls != nil {
				atomic.AddInt32(calls, 1)
			}
			return result, nil
		},
	)
}

func toolCall(name, arguments string) model.ToolCall {
	return model.ToolCall{
		ID:   "call_" + name,
		Type: "function",
		Function: model.ToolCallFunction{
			Name:      name,
			Arguments: json.RawMessage(arguments),
		},
	}
}

func userTurn(content string) []model.Message {
	return []model.Message{model.NewMessage(model.RoleUser, content)}
}

func TestExecuteFinalAnswer(t *testing.T) {
	t.Run("structured call", func(t *testing.T) {
		mock := model.NewMockModel("mock", "test")
		mock.AddResponse("solve it", model.Response{
			ToolCalls: []model.ToolCall{
				toolCall("final_answer", `{"answer": "Paris"}`),
			},
		})

		exec, err := NewStepExecutor("assistant", mock)
		require.NoError(t, err)

		step, err := exec.Execute(context.Background(), 0, userTurn("solve it"), nil)
		require.NoError(t, err)

		assert.True(t, step.Terminal())
		assert.Equal(t, "Paris", step.Answer())
		assert.Equal(t, []string{"Paris"}, step.Observations)
	})

	t.Run("recovered from free text", func(t *testing.T) {
		mock := model.NewMockModel("mock", "test")
		mock.AddTextResponse("solve it",
			`Thought: the computation is done.
Action: {"name": "final_answer", "arguments": {"answer": "42"}}`)

		exec, err := NewStepExecutor("assistant", mock)
		require.NoError(t, err)

		step, err := exec.Execute(context.Background(), 3, userTurn("solve it"), nil)
		require.NoError(t, err)

		assert.True(t, step.Terminal())
		assert.Equal(t, "42", step.Answer())
		assert.Equal(t, 3, step.Index)
		assert.NotEmpty(t, step.RawOutput)
	})

	t.Run("free text without action is the answer", func(t *testing.T) {
		mock := model.NewMockModel("mock", "test")
		mock.AddTextResponse("what is the capital", "The capital of France is Paris.")

		exec, err := NewStepExecutor("assistant", mock)
		require.NoError(t, err)

		step, err := exec.Execute(context.Background(), 0, userTurn("what is the capital"), nil)
		require.NoError(t, err)

		assert.True(t, step.Terminal())
		assert.Equal(t, "The capital of France is Paris.", step.Answer())
	})
}

func TestExecuteFinalAnswerShortCircuit(t *testing.T) {
	var beforeCalls, afterCalls int32

	registry, err := tool.NewRegistry(
		echoTool("before", "before result", &beforeCalls),
		echoTool("after", "after result", &afterCalls),
	)
	require.NoError(t, err)

	sub := &stubSubAgent{name: "researcher", description: "digs things up", answer: "dug up"}

	mock := model.NewMockModel("mock", "test")
	mock.AddResponse("go", model.Response{
		ToolCalls: []model.ToolCall{
			toolCall("before", `{"query": "a"}`),
			toolCall("researcher", `{"task": "dig"}`),
			toolCall("final_answer", `{"answer": "done early"}`),
			toolCall("after", `{"query": "b"}`),
		},
	})

	exec, err := NewStepExecutor("assistant", mock, WithTools(registry), WithSubAgents(sub))
	require.NoError(t, err)

	step, err := exec.Execute(context.Background(), 0, userTurn("go"), nil)
	require.NoError(t, err)

	assert.True(t, step.Terminal())
	assert.Equal(t, "done early", step.Answer())
	// The delegation before the final answer ran; the queued tool before it
	// was never launched, and nothing after it was touched.
	assert.Equal(t, int32(1), atomic.LoadInt32(&sub.calls))
	assert.Equal(t, int32(0), atomic.LoadInt32(&beforeCalls))
	assert.Equal(t, int32(0), atomic.LoadInt32(&afterCalls))
	assert.Equal(t, []string{"done early"}, step.Observations)
}

func TestExecuteNoAction(t *testing.T) {
	mock := model.NewMockModel("mock", "test")
	mock.AddResponse("silent", model.Response{Content: "", FinishReason: "stop"})

	exec, err := NewStepExecutor("assistant", mock)
	require.NoError(t, err)

	step, err := exec.Execute(context.Background(), 0, userTurn("silent"), nil)
	require.NoError(t, err)

	assert.False(t, step.Terminal())
	assert.Equal(t, []string{NoActionObservation}, step.Observations)

	msgs := step.ObservationMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, model.RoleTool, msgs[0].Role)
	assert.Equal(t, NoActionObservation, msgs[0].Content)
}

func TestExecuteToolBatch(t *testing.T) {
	t.Run("one failure does not abort siblings", func(t *testing.T) {
		registry, err := tool.NewRegistry(
			echoTool("first", "first result", nil),
			tool.NewFunctionTool("broken", "always fails",
				map[string]any{"type": "object", "properties": map[string]any{}},
				func(_ context.Context, _ map[string]any) (any, error) {
					return nil, fmt.Errorf("backend unavailable")
				},
			),
			echoTool("third", "third result", nil),
		)
		require.NoError(t, err)

		mock := model.NewMockModel("mock", "test")
		mock.AddResponse("fan out", model.Response{
			ToolCalls: []model.ToolCall{
				toolCall("first", `{}`),
				toolCall("broken", `{}`),
				toolCall("third", `{}`),
			},
		})

		exec, err := NewStepExecutor("assistant", mock, WithTools(registry))
		require.NoError(t, err)

		step, err := exec.Execute(context.Background(), 0, userTurn("fan out"), nil)
		require.NoError(t, err)

		assert.False(t, step.Terminal())
		require.Len(t, step.Observations, 3)
		assert.Equal(t, "first result", step.Observations[0])
		assert.Contains(t, step.Observations[1], "backend unavailable")
		assert.Equal(t, "third result", step.Observations[2])
	})

	t.Run("unknown tool becomes an observation", func(t *testing.T) {
		mock := model.NewMockModel("mock", "test")
		mock.AddResponse("go", model.Response{
			ToolCalls: []model.ToolCall{toolCall("ghost", `{}`)},
		})

		exec, err := NewStepExecutor("assistant", mock)
		require.NoError(t, err)

		step, err := exec.Execute(context.Background(), 0, userTurn("go"), nil)
		require.NoError(t, err)
		require.Len(t, step.Observations, 1)
		assert.Equal(t, "tool ghost not found", step.Observations[0])
	})

	t.Run("batch runs concurrently", func(t *testing.T) {
		var wg sync.WaitGroup
		wg.Add(2)
		released := make(chan struct{})
		go func() {
			wg.Wait()
			close(released)
		}()

		barrier := func(_ context.Context, _ map[string]any) (any, error) {
			wg.Done()
			select {
			case <-released:
				return "released", nil
			case <-time.After(2 * time.Second):
				return nil, fmt.Errorf("sibling never started")
			}
		}

		registry, err := tool.NewRegistry(
			tool.NewFunctionTool("left", "barrier", map[string]any{"type": "object", "properties": map[string]any{}}, barrier),
			tool.NewFunctionTool("right", "barrier", map[string]any{"type": "object", "properties": map[string]any{}}, barrier),
		)
		require.NoError(t, err)

		mock := model.NewMockModel("mock", "test")
		mock.AddResponse("go", model.Response{
			ToolCalls: []model.ToolCall{
				toolCall("left", `{}`),
				toolCall("right", `{}`),
			},
		})

		exec, err := NewStepExecutor("assistant", mock, WithTools(registry))
		require.NoError(t, err)

		step, err := exec.Execute(context.Background(), 0, userTurn("go"), nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"released", "released"}, step.Observations)
	})
}

func TestExecuteObservationOrdering(t *testing.T) {
	registry, err := tool.NewRegistry(
		echoTool("alpha", "alpha result", nil),
		echoTool("beta", "beta result", nil),
		echoTool("gamma", "gamma result", nil),
	)
	require.NoError(t, err)

	first := &stubSubAgent{name: "planner", description: "plans", answer: "plan ready"}
	second := &stubSubAgent{name: "checker", description: "checks", answer: "looks good"}

	mock := model.NewMockModel("mock", "test")
	mock.AddResponse("mixed", model.Response{
		ToolCalls: []model.ToolCall{
			toolCall("alpha", `{}`),
			toolCall("planner", `{"task": "make a plan"}`),
			toolCall("beta", `{}`),
			toolCall("checker", `{"task": "verify it"}`),
			toolCall("gamma", `{}`),
		},
	})

	exec, err := NewStepExecutor("assistant", mock,
		WithTools(registry), WithSubAgents(first, second), WithMaxParallelTools(2))
	require.NoError(t, err)

	step, err := exec.Execute(context.Background(), 0, userTurn("mixed"), nil)
	require.NoError(t, err)

	// Delegations in request order, then tools in request order.
	assert.Equal(t, []string{
		"plan ready", "looks good",
		"alpha result", "beta result", "gamma result",
	}, step.Observations)

	assert.Equal(t, "make a plan", first.gotTask)
	assert.True(t, first.gotReset)
	assert.Equal(t, "verify it", second.gotTask)
}

func TestExecuteFailures(t *testing.T) {
	t.Run("model failure aborts the step", func(t *testing.T) {
		mock := model.NewMockModel("mock", "test")
		mock.FailWith(fmt.Errorf("rate limited"))

		exec, err := NewStepExecutor("assistant", mock)
		require.NoError(t, err)

		step, err := exec.Execute(context.Background(), 0, userTurn("anything"), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "model invocation failed")
		require.NotNil(t, step)
		assert.False(t, step.Terminal())
		assert.Empty(t, step.Observations)
	})

	t.Run("malformed action block aborts the step", func(t *testing.T) {
		mock := model.NewMockModel("mock", "test")
		mock.AddTextResponse("go", `Action: {"arguments": {"query": "x"}}`)

		exec, err := NewStepExecutor("assistant", mock)
		require.NoError(t, err)

		step, err := exec.Execute(context.Background(), 0, userTurn("go"), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "action parsing failed")
		assert.False(t, step.Terminal())
	})

	t.Run("delegation failure aborts the step", func(t *testing.T) {
		sub := &stubSubAgent{name: "fragile", description: "fails", err: fmt.Errorf("inner loop exploded")}

		mock := model.NewMockModel("mock", "test")
		mock.AddResponse("go", model.Response{
			ToolCalls: []model.ToolCall{toolCall("fragile", `{"task": "try"}`)},
		})

		exec, err := NewStepExecutor("assistant", mock, WithSubAgents(sub))
		require.NoError(t, err)

		step, err := exec.Execute(context.Background(), 0, userTurn("go"), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "delegation to fragile failed")
		assert.False(t, step.Terminal())
		assert.Empty(t, step.Observations)
	})

	t.Run("delegation without a task aborts the step", func(t *testing.T) {
		sub := &stubSubAgent{name: "worker", description: "works", answer: "ok"}

		mock := model.NewMockModel("mock", "test")
		mock.AddResponse("go", model.Response{
			ToolCalls: []model.ToolCall{toolCall("worker", `{"goal": "misnamed"}`)},
		})

		exec, err := NewStepExecutor("assistant", mock, WithSubAgents(sub))
		require.NoError(t, err)

		_, err = exec.Execute(context.Background(), 0, userTurn("go"), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing required field 'task'")
		assert.Equal(t, int32(0), atomic.LoadInt32(&sub.calls))
	})
}

func TestExecuteRecord(t *testing.T) {
	mock := model.NewMockModel("mock", "test")
	mock.AddTextResponse("hello", "Hi there.")

	exec, err := NewStepExecutor("assistant", mock)
	require.NoError(t, err)

	memory := userTurn("hello")
	step, err := exec.Execute(context.Background(), 7, memory, nil)
	require.NoError(t, err)

	assert.NotEmpty(t, step.ID)
	assert.Equal(t, 7, step.Index)
	assert.Equal(t, memory, step.Memory)
	assert.Equal(t, "Hi there.", step.RawOutput)
	assert.False(t, step.StartedAt.IsZero())
	assert.False(t, step.CompletedAt.Before(step.StartedAt))
}

func TestCatalog(t *testing.T) {
	registry, err := tool.NewRegistry(echoTool("search", "searches", nil))
	require.NoError(t, err)

	sub := &stubSubAgent{name: "researcher", description: "digs things up"}

	mock := model.NewMockModel("mock", "test")
	exec, err := NewStepExecutor("assistant", mock, WithTools(registry), WithSubAgents(sub))
	require.NoError(t, err)

	catalog := exec.Catalog()
	require.Len(t, catalog, 3)

	names := make([]string, len(catalog))
	for i, def := range catalog {
		names[i] = def.Function.Name
	}
	assert.Equal(t, []string{"search", "final_answer", "researcher"}, names)

	delegation := catalog[2].Function
	assert.Equal(t, "digs things up", delegation.Description)
	assert.Equal(t, []string{"task"}, delegation.Parameters["required"])
	props, ok := delegation.Parameters["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "task")
}

func TestNewStepExecutorValidation(t *testing.T) {
	mock := model.NewMockModel("mock", "test")

	t.Run("empty sub-agent name", func(t *testing.T) {
		_, err := NewStepExecutor("assistant", mock,
			WithSubAgents(&stubSubAgent{name: ""}))
		require.Error(t, err)
	})

	t.Run("duplicate sub-agent name", func(t *testing.T) {
		_, err := NewStepExecutor("assistant", mock,
			WithSubAgents(&stubSubAgent{name: "twin"}, &stubSubAgent{name: "twin"}))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already registered")
	})

	t.Run("sub-agent collides with tool", func(t *testing.T) {
		registry, err := tool.NewRegistry(echoTool("search", "searches", nil))
		require.NoError(t, err)

		_, err = NewStepExecutor("assistant", mock,
			WithTools(registry), WithSubAgents(&stubSubAgent{name: "search"}))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "collides")
	})

	t.Run("final answer tool registered automatically", func(t *testing.T) {
		exec, err := NewStepExecutor("assistant", mock)
		require.NoError(t, err)
		assert.True(t, exec.Tools().Has(tool.FinalAnswerName))
	})
}

func TestExecuteStopSequences(t *testing.T) {
	var gotStop []string
	captured := &captureModel{
		onGenerate: func(req model.Request) {
			gotStop = req.Params.Stop
		},
	}

	exec, err := NewStepExecutor("assistant", captured)
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), 0, userTurn("hello"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Observation:"}, gotStop)
}

type captureModel struct {
	onGenerate func(req model.Request)
}

func (c *captureModel) Generate(_ context.Context, req model.Request) (*model.Response, error) {
	if c.onGenerate != nil {
		c.onGenerate(req)
	}
	return &model.Response{Content: "captured", FinishReason: "stop"}, nil
}

func (c *captureModel) Info() model.Info {
	return model.Info{Name: "capture", Provider: "test"}
}
