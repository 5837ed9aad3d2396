package generator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"mealplanagent"
)

// FailedDraftCleaner removes duplicate failed drafts sharing one error message.
type FailedDraftCleaner interface {
	DeleteDuplicateFailed(ctx context.Context, householdID, message string) (int, error)
}

// RetryingDraftGenerator retries transient draft generation failures with
// exponential backoff. Permanent failures return on the first attempt.
type RetryingDraftGenerator struct {
	next        DraftGenerator
	cleaner     FailedDraftCleaner
	maxAttempts int
	initial     time.Duration
}

func NewRetryingDraftGenerator(next DraftGenerator, cleaner FailedDraftCleaner, maxAttempts int, initial time.Duration) *RetryingDraftGenerator {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	return &RetryingDraftGenerator{next: next, cleaner: cleaner, maxAttempts: maxAttempts, initial: initial}
}

func (g *RetryingDraftGenerator) Generate(ctx context.Context, req DraftRequest) (DraftRef, error) {
	var messages []string

	op := func() (DraftRef, error) {
		ref, err := g.next.Generate(ctx, req)
		if err == nil {
			return ref, nil
		}
		if !mealplanagent.IsTransient(err) {
			return ref, backoff.Permanent(err)
		}
		messages = append(messages, failureMessage(err))
		slog.Warn("GENERATOR: Draft generation attempt failed", "attempt", len(messages), "household_id", req.HouseholdID, "error", err)
		return ref, err
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = g.initial

	ref, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(uint(g.maxAttempts)),
	)
	if err == nil {
		return ref, nil
	}

	if len(messages) == g.maxAttempts && allEqual(messages) && g.cleaner != nil && req.HouseholdID != "" {
		n, cerr := g.cleaner.DeleteDuplicateFailed(ctx, req.HouseholdID, messages[0])
		if cerr != nil {
			slog.Error("GENERATOR: Failed to clean duplicate failed drafts", "household_id", req.HouseholdID, "error", cerr)
		} else if n > 0 {
			slog.Info("GENERATOR: Removed duplicate failed drafts", "household_id", req.HouseholdID, "removed", n)
		}
	}
	return ref, err
}

// failureMessage is the text a generator stores on the failed draft: the
// upstream message when the endpoint replied with one.
func failureMessage(err error) string {
	var se *StatusError
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}
	return err.Error()
}

func allEqual(ss []string) bool {
	if len(ss) == 0 {
		return false
	}
	for _, s := range ss[1:] {
		if s != ss[0] {
			return false
		}
	}
	return true
}
