package tools

import (
	"github.com/modelcontextprotocol/go-sdk/jsonschema"
)

// Stage values accepted by validate_draft.
var Stages = []string{"pre_assignment", "post_assignment"}

func minimum(v float64) *float64 { return &v }

type GenerateDraftTool struct{}

func (GenerateDraftTool) Name() string  { return NameGenerateDraft }
func (GenerateDraftTool) Title() string { return "Generate Draft" }
func (GenerateDraftTool) Description() string {
	return "Generates the meal plan draft: one titled item per date and meal slot. Call once; pass force=true only to discard an unusable draft."
}

func (GenerateDraftTool) InputSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"force": {Type: "boolean", Description: "Regenerate even if a usable draft exists."},
		},
	}
}

func (t GenerateDraftTool) Parse(input map[string]any) (Action, error) {
	a := args{tool: t.Name(), in: input}
	if err := a.only("force"); err != nil {
		return nil, err
	}
	force, err := a.optBool("force")
	if err != nil {
		return nil, err
	}
	return GenerateDraft{Force: force}, nil
}

type ValidateDraftTool struct{}

func (ValidateDraftTool) Name() string  { return NameValidateDraft }
func (ValidateDraftTool) Title() string { return "Validate Draft" }
func (ValidateDraftTool) Description() string {
	return "Checks the draft covers every date and slot exactly once. Use stage=pre_assignment before assigning recipes and stage=post_assignment before finalizing."
}

func (ValidateDraftTool) InputSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"stage": {Type: "string", Enum: []any{Stages[0], Stages[1]}},
		},
		Required: []string{"stage"},
	}
}

func (t ValidateDraftTool) Parse(input map[string]any) (Action, error) {
	a := args{tool: t.Name(), in: input}
	if err := a.only("stage"); err != nil {
		return nil, err
	}
	stage, err := a.reqEnum("stage", Stages)
	if err != nil {
		return nil, err
	}
	return ValidateDraft{Stage: stage}, nil
}

type AssignRecipesTool struct{}

func (AssignRecipesTool) Name() string  { return NameAssignRecipes }
func (AssignRecipesTool) Title() string { return "Assign Recipes" }
func (AssignRecipesTool) Description() string {
	return "Matches existing catalog recipes to unassigned draft items. Already assigned items are never changed. If the result has has_more=true call it again with start_index=next_item_index."
}

func (AssignRecipesTool) InputSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"start_index": {Type: "integer", Minimum: minimum(0)},
			"max_items":   {Type: "integer", Minimum: minimum(1)},
		},
	}
}

func (t AssignRecipesTool) Parse(input map[string]any) (Action, error) {
	a := args{tool: t.Name(), in: input}
	if err := a.only("start_index", "max_items"); err != nil {
		return nil, err
	}
	start, err := a.optInt("start_index", 0)
	if err != nil {
		return nil, err
	}
	maxItems, err := a.optInt("max_items", 1)
	if err != nil {
		return nil, err
	}
	return AssignRecipes{StartIndex: start, MaxItems: maxItems}, nil
}

type GenerateMissingRecipesTool struct{}

func (GenerateMissingRecipesTool) Name() string  { return NameGenerateMissingRecipes }
func (GenerateMissingRecipesTool) Title() string { return "Generate Missing Recipes" }
func (GenerateMissingRecipesTool) Description() string {
	return "Creates new recipes for items the catalog could not match. Omit indexes to cover every unmatched item. Large sets continue automatically in a later run."
}

func (GenerateMissingRecipesTool) InputSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"indexes": {Type: "array", Items: &jsonschema.Schema{Type: "integer", Minimum: minimum(0)}},
		},
	}
}

func (t GenerateMissingRecipesTool) Parse(input map[string]any) (Action, error) {
	a := args{tool: t.Name(), in: input}
	if err := a.only("indexes"); err != nil {
		return nil, err
	}
	idx, err := a.optIntList("indexes")
	if err != nil {
		return nil, err
	}
	return GenerateMissingRecipes{Indexes: idx}, nil
}

type FinalizePlanTool struct{}

func (FinalizePlanTool) Name() string  { return NameFinalizePlan }
func (FinalizePlanTool) Title() string { return "Finalize Plan" }
func (FinalizePlanTool) Description() string {
	return "Converts a fully assigned, post-assignment-valid draft into the final plan and completes the job. dry_run=true only reports readiness."
}

func (FinalizePlanTool) InputSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"dry_run": {Type: "boolean"},
		},
	}
}

func (t FinalizePlanTool) Parse(input map[string]any) (Action, error) {
	a := args{tool: t.Name(), in: input}
	if err := a.only("dry_run"); err != nil {
		return nil, err
	}
	dry, err := a.optBool("dry_run")
	if err != nil {
		return nil, err
	}
	return FinalizePlan{DryRun: dry}, nil
}
