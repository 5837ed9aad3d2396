// Package validation checks a draft's structure against the request it was
// generated for. Everything here is pure.
package validation

import (
	"fmt"

	"mealplanagent"
	"mealplanagent/draft"
)

type Stage string

const (
	StagePreAssignment  Stage = "pre_assignment"
	StagePostAssignment Stage = "post_assignment"
)

func (s Stage) Valid() bool {
	return s == StagePreAssignment || s == StagePostAssignment
}

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

const (
	CodeInvalidDate     = "invalid-date"
	CodeInvalidSlot     = "invalid-slot"
	CodeMissingTitle    = "missing-title"
	CodeMissingRecipe   = "missing-recipe"
	CodeMissingCoverage = "missing-coverage"
	CodeDuplicateSlot   = "duplicate-slot"
)

type Issue struct {
	Code      string   `json:"code"`
	Severity  Severity `json:"severity"`
	Message   string   `json:"message"`
	ItemIndex *int     `json:"item_index,omitempty"`
}

// Snapshot is the verdict for one stage.
type Snapshot struct {
	Stage         Stage   `json:"stage"`
	Valid         bool    `json:"valid"`
	Issues        []Issue `json:"issues,omitempty"`
	ItemCount     int     `json:"item_count"`
	ExpectedCount int     `json:"expected_count"`
	ErrorCount    int     `json:"error_count"`
	WarningCount  int     `json:"warning_count"`
}

// Errors returns the error-severity issues only.
func (s Snapshot) Errors() []Issue {
	var out []Issue
	for _, is := range s.Issues {
		if is.Severity == SeverityError {
			out = append(out, is)
		}
	}
	return out
}

type slotKey struct{ date, slot string }

// Validate derives the expected (date, slot) grid from req and checks d against it.
func Validate(d draft.Draft, req mealplanagent.PlanRequest, stage Stage) Snapshot {
	dates := req.Dates()
	slots := req.Slots()

	dateSet := make(map[string]bool, len(dates))
	for _, dt := range dates {
		dateSet[dt] = true
	}
	slotSet := make(map[string]bool, len(slots))
	for _, s := range slots {
		slotSet[s] = true
	}

	snap := Snapshot{
		Stage:         stage,
		ItemCount:     len(d.Items),
		ExpectedCount: len(dates) * len(slots),
	}
	add := func(code string, sev Severity, idx *int, format string, args ...any) {
		snap.Issues = append(snap.Issues, Issue{Code: code, Severity: sev, Message: fmt.Sprintf(format, args...), ItemIndex: idx})
		if sev == SeverityError {
			snap.ErrorCount++
		} else {
			snap.WarningCount++
		}
	}

	coverage := map[slotKey]int{}
	for i, it := range d.Items {
		idx := i
		if !dateSet[it.Date] {
			add(CodeInvalidDate, SeverityError, &idx, "item %d has date %q outside the requested range", i, it.Date)
		}
		if !slotSet[it.MealType] {
			add(CodeInvalidSlot, SeverityError, &idx, "item %d has unexpected slot %q", i, it.MealType)
		}
		if it.Title == "" {
			add(CodeMissingTitle, SeverityError, &idx, "item %d has no title", i)
		}
		if stage == StagePostAssignment && it.RecipeID == "" {
			add(CodeMissingRecipe, SeverityError, &idx, "item %d (%s %s) has no recipe", i, it.Date, it.MealType)
		}
		coverage[slotKey{it.Date, it.MealType}]++
	}

	for _, dt := range dates {
		for _, s := range slots {
			switch n := coverage[slotKey{dt, s}]; {
			case n == 0:
				add(CodeMissingCoverage, SeverityError, nil, "no item covers %s %s", dt, s)
			case n > 1:
				add(CodeDuplicateSlot, SeverityWarning, nil, "%d items cover %s %s", n, dt, s)
			}
		}
	}

	snap.Valid = snap.ErrorCount == 0
	return snap
}
