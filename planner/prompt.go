package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"mealplanagent"
	"mealplanagent/tools"
)

// NewPrompt starts a fresh conversation: system rules, the task, and, when the
// state already shows progress, a resumption message rebuilt from it.
func NewPrompt(registry tools.Registry, req mealplanagent.PlanRequest, st *State) Prompt {
	specs := make([]ToolSpec, 0, len(registry))
	for _, t := range registry.GetTools() {
		specs = append(specs, ToolSpec{Name: t.Name(), Description: t.Description(), InputSchema: t.InputSchema()})
	}

	msgs := []Message{
		{Role: "system", Content: MessageParts{{Type: "text", Text: systemPrompt}}},
		{Role: "user", Content: MessageParts{{Type: "text", Text: taskMessage(req, st)}}},
	}
	if resumed(st) {
		msgs = append(msgs, Message{Role: "user", Content: MessageParts{{Type: "text", Text: ResumptionMessage(st)}}})
	}
	return Prompt{Messages: msgs, Tools: specs}
}

func resumed(st *State) bool {
	return st != nil && (st.Draft != nil || st.Invocation > 1)
}

func taskMessage(req mealplanagent.PlanRequest, st *State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan meals from %s to %s with %d meal(s) per day (%s) for %d serving(s).",
		req.StartDate, req.EndDate, req.MealsPerDay, strings.Join(req.Slots(), ", "), req.Servings)
	if len(req.DietaryStyles) > 0 {
		fmt.Fprintf(&b, " Dietary styles: %s.", strings.Join(req.DietaryStyles, ", "))
	}
	if req.Preferences != "" {
		fmt.Fprintf(&b, " Preferences: %s.", req.Preferences)
	}
	if !resumed(st) {
		next := st.NextStep()
		payload, _ := json.Marshal(map[string]any{"next_action": map[string]any{"tool": next.Tool, "input": next.Input}, "next_step": next.Hint})
		b.WriteString("\n")
		b.Write(payload)
	}
	return b.String()
}

// ResumptionMessage summarizes progress so far for a policy that has never
// seen this job.
func ResumptionMessage(st *State) string {
	next := st.NextStep()
	payload := map[string]any{
		"resumption":  true,
		"state":       st.Summary(),
		"next_action": map[string]any{"tool": next.Tool, "input": next.Input},
		"next_step":   next.Hint,
	}
	if n := len(st.Events); n > 0 {
		recent := st.Events
		if n > 5 {
			recent = recent[n-5:]
		}
		payload["recent_events"] = recent
	}
	b, _ := json.Marshal(payload)
	return "This job is being resumed. Earlier steps already ran; do not repeat them.\n" + string(b)
}

const systemPrompt = `You are a meal-plan orchestration agent.

GOAL:
Produce a finalized multi-day meal plan by calling the provided tools in order. You never write plan content yourself; the tools do the work.

PIPELINE:
1. generate_draft - creates one titled item per date and meal slot.
2. validate_draft with stage=pre_assignment - the draft must cover every date and slot exactly once.
3. assign_recipes - matches existing catalog recipes. Repeat with start_index=next_item_index while has_more is true.
4. generate_missing_recipes - creates recipes for items the catalog could not match. Skip when nothing is unmatched.
5. validate_draft with stage=post_assignment - every item must carry a recipe.
6. finalize_plan - completes the job.

TOOL USE:
Call tools through the tool interface only. Every tool result contains the current state, a next_action and a next_step hint. Follow next_action unless a tool reported an error you can fix by changing its input. Do not call the same failing tool with the same input again.

FINAL OUTPUT FORMAT:
When finalize_plan has succeeded, or when next_step says the plan cannot be produced, reply with ONLY a JSON object and nothing else:
{"status": "completed" | "failed", "message": string}
`

// Outcome is the parsed terminal reply of the policy.
type Outcome struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ParseOutcome reads a terminal reply. Non-JSON text becomes the message of an
// "unknown" outcome.
func ParseOutcome(text string) Outcome {
	s := strings.TrimSpace(text)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)
	if i, j := strings.IndexByte(s, '{'), strings.LastIndexByte(s, '}'); i >= 0 && j > i {
		var o Outcome
		if err := json.Unmarshal([]byte(s[i:j+1]), &o); err == nil && o.Status != "" {
			o.Status = strings.ToLower(o.Status)
			return o
		}
	}
	return Outcome{Status: "unknown", Message: strings.TrimSpace(text)}
}
