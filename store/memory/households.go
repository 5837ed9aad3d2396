package memory

import (
	"context"
	"sync"

	"mealplanagent/household"
)

// Households maps users to households and households to preferences.
type Households struct {
	mu       sync.Mutex
	members  map[string][]string
	defaults map[string]string
	prefs    map[string]household.Preferences
}

func NewHouseholds() *Households {
	return &Households{
		members:  map[string][]string{},
		defaults: map[string]string{},
		prefs:    map[string]household.Preferences{},
	}
}

// AddMember registers userID in householdID. The first household a user
// joins becomes their default.
func (h *Households) AddMember(householdID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.members[userID] = append(h.members[userID], householdID)
	if _, ok := h.defaults[userID]; !ok {
		h.defaults[userID] = householdID
	}
}

func (h *Households) SetPreferences(p household.Preferences) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prefs[p.HouseholdID] = p
}

func (h *Households) Preferences(_ context.Context, householdID string) (household.Preferences, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.prefs[householdID]
	if !ok {
		return household.Preferences{}, household.ErrNotFound
	}
	return p, nil
}

func (h *Households) ResolveHousehold(_ context.Context, userID, requested string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if requested == "" {
		id, ok := h.defaults[userID]
		if !ok {
			return "", household.ErrNotFound
		}
		return id, nil
	}
	for _, id := range h.members[userID] {
		if id == requested {
			return id, nil
		}
	}
	return "", household.ErrNotMember
}
