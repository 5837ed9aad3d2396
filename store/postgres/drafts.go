package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"

	"mealplanagent/draft"
)

var _ draft.Store = (*DraftStore)(nil)

type DraftStore struct {
	db DB
}

func NewDraftStore(db DB) *DraftStore {
	return &DraftStore{db: db}
}

func (s *DraftStore) Get(ctx context.Context, id string) (*draft.Draft, error) {
	const q = `
SELECT id, household_id, user_id, status, start_date, end_date, meals_per_day, items, error, created_at, updated_at
FROM meal_plan_drafts WHERE id = $1;`
	var (
		d      draft.Draft
		status string
		items  []byte
	)
	err := s.db.QueryRow(ctx, q, id).Scan(&d.ID, &d.HouseholdID, &d.UserID, &status, &d.StartDate, &d.EndDate, &d.MealsPerDay, &items, &d.Error, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, draft.ErrNotFound
		}
		return nil, err
	}
	d.Status = draft.Status(status)
	if err := json.Unmarshal(items, &d.Items); err != nil {
		return nil, fmt.Errorf("decode draft items: %w", err)
	}
	return &d, nil
}

// Save upserts the draft. Status, items and error are last-write-wins.
func (s *DraftStore) Save(ctx context.Context, d *draft.Draft) error {
	items, err := json.Marshal(d.Items)
	if err != nil {
		return fmt.Errorf("marshal draft items: %w", err)
	}
	const q = `
INSERT INTO meal_plan_drafts (id, household_id, user_id, status, start_date, end_date, meals_per_day, items, error, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  items = EXCLUDED.items,
  error = EXCLUDED.error,
  updated_at = EXCLUDED.updated_at;`
	_, err = s.db.Exec(ctx, q, d.ID, d.HouseholdID, d.UserID, string(d.Status), d.StartDate, d.EndDate, d.MealsPerDay, items, d.Error, d.CreatedAt, d.UpdatedAt)
	return err
}

func (s *DraftStore) DeleteDuplicateFailed(ctx context.Context, householdID, message string) (int, error) {
	const q = `
DELETE FROM meal_plan_drafts
WHERE household_id = $1 AND status = 'failed' AND error = $2
  AND id <> (
    SELECT id FROM meal_plan_drafts
    WHERE household_id = $1 AND status = 'failed' AND error = $2
    ORDER BY created_at, id
    LIMIT 1
  );`
	tag, err := s.db.Exec(ctx, q, householdID, message)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
