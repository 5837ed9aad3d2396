// Package tools declares the planner's tool catalogue. Every tool parses its
// raw model input into a typed Action at the boundary.
package tools

import (
	"github.com/modelcontextprotocol/go-sdk/jsonschema"
)

const (
	NameGenerateDraft          = "generate_draft"
	NameValidateDraft          = "validate_draft"
	NameAssignRecipes          = "assign_recipes"
	NameGenerateMissingRecipes = "generate_missing_recipes"
	NameFinalizePlan           = "finalize_plan"
)

type Tool interface {
	Name() string
	Title() string
	Description() string
	InputSchema() *jsonschema.Schema
	// Parse validates input against the tool's field contract.
	Parse(input map[string]any) (Action, error)
}

type Call struct {
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
}

// Action is one of GenerateDraft, ValidateDraft, AssignRecipes,
// GenerateMissingRecipes or FinalizePlan.
type Action interface {
	ToolName() string
	isAction()
}

type GenerateDraft struct {
	Force bool `json:"force,omitempty"`
}

type ValidateDraft struct {
	Stage string `json:"stage"`
}

type AssignRecipes struct {
	StartIndex *int `json:"start_index,omitempty"`
	MaxItems   *int `json:"max_items,omitempty"`
}

// GenerateMissingRecipes with no Indexes targets the current unmatched set.
type GenerateMissingRecipes struct {
	Indexes []int `json:"indexes,omitempty"`
}

type FinalizePlan struct {
	DryRun bool `json:"dry_run,omitempty"`
}

func (GenerateDraft) ToolName() string          { return NameGenerateDraft }
func (ValidateDraft) ToolName() string          { return NameValidateDraft }
func (AssignRecipes) ToolName() string          { return NameAssignRecipes }
func (GenerateMissingRecipes) ToolName() string { return NameGenerateMissingRecipes }
func (FinalizePlan) ToolName() string           { return NameFinalizePlan }

func (GenerateDraft) isAction()          {}
func (ValidateDraft) isAction()          {}
func (AssignRecipes) isAction()          {}
func (GenerateMissingRecipes) isAction() {}
func (FinalizePlan) isAction()           {}
