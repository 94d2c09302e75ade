package notify

import (
	"context"
	"fmt"

	"github.com/ramiqadoumi/go-fit-flow/internal/domain"
	"github.com/ramiqadoumi/go-fit-flow/internal/kv"
)

// KeyPreferences is where NotificationPreferences are persisted.
const KeyPreferences = "notify:prefs"

// Preferences reads and writes the user's notification settings.
type Preferences struct {
	store kv.Store
}

func NewPreferences(store kv.Store) *Preferences { return &Preferences{store: store} }

// Get returns the saved preferences, or the defaults when none were saved.
func (p *Preferences) Get(ctx context.Context) (domain.NotificationPreferences, error) {
	prefs := domain.DefaultNotificationPreferences()
	if _, err := kv.GetJSON(ctx, p.store, KeyPreferences, &prefs); err != nil {
		return domain.DefaultNotificationPreferences(), fmt.Errorf("load preferences: %w", err)
	}
	return prefs, nil
}

// Save validates and persists prefs.
func (p *Preferences) Save(ctx context.Context, prefs domain.NotificationPreferences) error {
	if err := ValidatePreferences(prefs); err != nil {
		return err
	}
	if err := kv.SetJSON(ctx, p.store, KeyPreferences, prefs); err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}

// ValidatePreferences checks the quiet-hour bounds.
func ValidatePreferences(prefs domain.NotificationPreferences) error {
	if prefs.QuietStartHour < 0 || prefs.QuietStartHour > 23 {
		return fmt.Errorf("quiet_start_hour %d out of range 0-23", prefs.QuietStartHour)
	}
	if prefs.QuietEndHour < 0 || prefs.QuietEndHour > 23 {
		return fmt.Errorf("quiet_end_hour %d out of range 0-23", prefs.QuietEndHour)
	}
	return nil
}
