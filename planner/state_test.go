package planner_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mealplanagent/draft"
	"mealplanagent/planner"
	"mealplanagent/tools"
	"mealplanagent/validation"
)

func readyState() *planner.State {
	st := planner.NewState("job-1")
	st.Draft = &planner.DraftSnapshot{ID: "d1", Status: draft.StatusCompleted, ItemCount: 4, Attempts: 1}
	return st
}

func TestNextStep(t *testing.T) {
	tests := []struct {
		name    string
		state   func() *planner.State
		tool    string
		input   map[string]any
		blocked bool
	}{
		{
			name:  "no draft",
			state: func() *planner.State { return planner.NewState("job-1") },
			tool:  tools.NameGenerateDraft,
			input: map[string]any{},
		},
		{
			name: "failed draft is regenerated",
			state: func() *planner.State {
				st := readyState()
				st.Draft.Status = draft.StatusFailed
				return st
			},
			tool:  tools.NameGenerateDraft,
			input: map[string]any{"force": true},
		},
		{
			name: "failed draft after the attempt limit blocks",
			state: func() *planner.State {
				st := readyState()
				st.Draft.Status = draft.StatusFailed
				st.Draft.Attempts = 3
				return st
			},
			blocked: true,
		},
		{
			name:  "ready draft is validated",
			state: readyState,
			tool:  tools.NameValidateDraft,
			input: map[string]any{"stage": "pre_assignment"},
		},
		{
			name: "invalid draft is regenerated",
			state: func() *planner.State {
				st := readyState()
				st.PreValidation = &validation.Snapshot{Valid: false, ErrorCount: 1}
				return st
			},
			tool:  tools.NameGenerateDraft,
			input: map[string]any{"force": true},
		},
		{
			name: "valid draft is assigned",
			state: func() *planner.State {
				st := readyState()
				st.PreValidation = &validation.Snapshot{Valid: true}
				return st
			},
			tool:  tools.NameAssignRecipes,
			input: map[string]any{},
		},
		{
			name: "partial assignment continues",
			state: func() *planner.State {
				st := readyState()
				st.PreValidation = &validation.Snapshot{Valid: true}
				st.Assignment = &planner.AssignmentSnapshot{HasMore: true, NextItemIndex: 2}
				return st
			},
			tool:  tools.NameAssignRecipes,
			input: map[string]any{"start_index": 2},
		},
		{
			name: "pending generation wins over assignment",
			state: func() *planner.State {
				st := readyState()
				st.PreValidation = &validation.Snapshot{Valid: true}
				st.Assignment = &planner.AssignmentSnapshot{HasMore: true, NextItemIndex: 2}
				st.Generation = &planner.RecipeGenerationSnapshot{PendingIndexes: []int{1}}
				return st
			},
			tool:  tools.NameGenerateMissingRecipes,
			input: map[string]any{},
		},
		{
			name: "unmatched items get recipes",
			state: func() *planner.State {
				st := readyState()
				st.PreValidation = &validation.Snapshot{Valid: true}
				st.Assignment = &planner.AssignmentSnapshot{UnmatchedIndexes: []int{0, 3}, NextItemIndex: 4}
				return st
			},
			tool:  tools.NameGenerateMissingRecipes,
			input: map[string]any{},
		},
		{
			name: "unmatched after the round limit blocks",
			state: func() *planner.State {
				st := readyState()
				st.PreValidation = &validation.Snapshot{Valid: true}
				st.Assignment = &planner.AssignmentSnapshot{UnmatchedIndexes: []int{0}, NextItemIndex: 4}
				st.Generation = &planner.RecipeGenerationSnapshot{Rounds: 2}
				return st
			},
			blocked: true,
		},
		{
			name: "complete assignment is post-validated",
			state: func() *planner.State {
				st := readyState()
				st.PreValidation = &validation.Snapshot{Valid: true}
				st.Assignment = &planner.AssignmentSnapshot{NextItemIndex: 4}
				return st
			},
			tool:  tools.NameValidateDraft,
			input: map[string]any{"stage": "post_assignment"},
		},
		{
			name: "post-validated plan is finalized",
			state: func() *planner.State {
				st := readyState()
				st.PreValidation = &validation.Snapshot{Valid: true}
				st.Assignment = &planner.AssignmentSnapshot{NextItemIndex: 4}
				st.PostValidation = &validation.Snapshot{Valid: true}
				return st
			},
			tool:  tools.NameFinalizePlan,
			input: map[string]any{},
		},
		{
			name: "finalized plan has no next tool",
			state: func() *planner.State {
				st := readyState()
				st.Finalization = &planner.FinalizationSnapshot{Finalized: true}
				return st
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step := tt.state().NextStep()
			assert.Equal(t, tt.tool, step.Tool)
			assert.Equal(t, tt.blocked, step.Blocked)
			if tt.input != nil {
				assert.Equal(t, tt.input, step.Input)
			}
			assert.NotEmpty(t, step.Hint)
		})
	}
}

func TestCanFallback(t *testing.T) {
	st := planner.NewState("job-1")
	assert.False(t, st.CanFallback(), "nothing to build on without a draft")

	st = readyState()
	assert.False(t, st.CanFallback(), "an unvalidated draft is not enough")

	st.PreValidation = &validation.Snapshot{Valid: true}
	assert.True(t, st.CanFallback())

	st.Finalization = &planner.FinalizationSnapshot{Finalized: true}
	assert.False(t, st.CanFallback())
}

func TestStateEncodeRoundTrip(t *testing.T) {
	st := readyState()
	st.Invocation = 3
	st.Assignment = &planner.AssignmentSnapshot{Runs: 2, UnmatchedIndexes: []int{1}}

	got, err := planner.DecodeState(st.Encode())
	require.NoError(t, err)
	assert.Equal(t, st, got)

	_, err = planner.DecodeState([]byte(`{"version": 99}`))
	assert.Error(t, err)
	_, err = planner.DecodeState([]byte(`not json`))
	assert.Error(t, err)
}
