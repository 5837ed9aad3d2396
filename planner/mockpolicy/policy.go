// Package mockpolicy is a deterministic step-selection policy. It follows the
// next_action hint the planner attaches to every prompt, which makes it a
// stand-in for a model in local runs and tests.
package mockpolicy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"mealplanagent/planner"
	"mealplanagent/tools"
)

type hint struct {
	NextAction struct {
		Tool  string         `json:"tool"`
		Input map[string]any `json:"input"`
	} `json:"next_action"`
	NextStep string `json:"next_step"`
	State    struct {
		Finalized bool `json:"finalized"`
	} `json:"state"`
}

// Policy follows hints. The zero value is ready to use.
type Policy struct {
	// StopAfter ends the conversation with a premature "completed" summary
	// after this many tool calls. Zero never stops early.
	StopAfter int
	// Rewrite may replace a call before it is returned, e.g. to inject bad input.
	Rewrite func(n int, call tools.Call) tools.Call
	// Err, when set, is returned for the n-th invocation if it yields non-nil.
	Err func(n int) error

	mu      sync.Mutex
	invokes int
	calls   int
	prompts []planner.Prompt
}

func (p *Policy) Invoke(ctx context.Context, prompt planner.Prompt) (planner.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.invokes++
	p.prompts = append(p.prompts, prompt)
	slog.Info("LLM_CLIENT: Invoked", "messages_len", len(prompt.Messages), "invocation", p.invokes)

	if p.Err != nil {
		if err := p.Err(p.invokes); err != nil {
			return planner.Response{}, err
		}
	}

	h, ok := latestHint(prompt)
	if !ok {
		return planner.Response{Content: `{"status":"failed","message":"no next_action hint in the conversation"}`}, nil
	}

	if h.NextAction.Tool == "" {
		status := "failed"
		if h.State.Finalized {
			status = "completed"
		}
		b, _ := json.Marshal(planner.Outcome{Status: status, Message: h.NextStep})
		return planner.Response{Content: string(b)}, nil
	}

	if p.StopAfter > 0 && p.calls >= p.StopAfter {
		return planner.Response{Content: `{"status":"completed","message":"the plan looks done"}`}, nil
	}

	p.calls++
	input := h.NextAction.Input
	if input == nil {
		input = map[string]any{}
	}
	call := tools.Call{Name: h.NextAction.Tool, Input: input, ToolUseID: fmt.Sprintf("call-%d", p.calls)}
	if p.Rewrite != nil {
		call = p.Rewrite(p.calls, call)
	}
	return planner.Response{Content: h.NextStep, ToolCalls: []tools.Call{call}}, nil
}

// Prompts returns every prompt received so far.
func (p *Policy) Prompts() []planner.Prompt {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]planner.Prompt(nil), p.prompts...)
}

// Calls returns the number of tool calls issued.
func (p *Policy) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// latestHint reads the hint from the last message carrying one: a tool
// result, or a text part with an embedded JSON object.
func latestHint(prompt planner.Prompt) (hint, bool) {
	for i := len(prompt.Messages) - 1; i >= 0; i-- {
		m := prompt.Messages[i]
		if m.Role != "user" {
			continue
		}
		for j := len(m.Content) - 1; j >= 0; j-- {
			part := m.Content[j]
			var raw []byte
			switch part.Type {
			case "tool_result":
				raw, _ = json.Marshal(part.Data)
			case "text":
				start, end := strings.IndexByte(part.Text, '{'), strings.LastIndexByte(part.Text, '}')
				if start < 0 || end <= start {
					continue
				}
				raw = []byte(part.Text[start : end+1])
			default:
				continue
			}
			var h hint
			if err := json.Unmarshal(raw, &h); err != nil {
				continue
			}
			if h.NextAction.Tool != "" || h.NextStep != "" {
				return h, true
			}
		}
	}
	return hint{}, false
}
