package distribution

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/iago/wa-lead-router/internal/domain"
	"github.com/iago/wa-lead-router/internal/repository"
)

var ErrInvalidSettings = errors.New("invalid settings")

const minutesPerDay = 24 * 60

// SettingsUpdate carries a partial update. Nil fields keep their stored value.
type SettingsUpdate struct {
	AckTimeoutMinutes      *int    `json:"ack_timeout_minutes"`
	OperationalStartMinute *int    `json:"operational_start_minute"`
	OperationalEndMinute   *int    `json:"operational_end_minute"`
	Timezone               *string `json:"timezone"`
	OutsideHoursReply      *string `json:"outside_hours_reply"`
}

func (e *Engine) Settings(ctx context.Context) (domain.SystemSettings, error) {
	var settings domain.SystemSettings
	err := e.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		settings, err = tx.GetSettings(ctx)
		return errors.Wrap(err, "load settings")
	})
	return settings, err
}

// Window returns the operational window from the stored settings.
func (e *Engine) Window(ctx context.Context) (Window, error) {
	settings, err := e.Settings(ctx)
	if err != nil {
		return Window{}, err
	}
	return WindowFromSettings(settings), nil
}

func (e *Engine) UpdateSettings(ctx context.Context, update SettingsUpdate) (domain.SystemSettings, error) {
	var settings domain.SystemSettings
	err := e.store.InTx(ctx, func(tx repository.Tx) error {
		current, err := tx.GetSettings(ctx)
		if err != nil {
			return errors.Wrap(err, "load settings")
		}
		settings = applySettingsUpdate(current, update)
		if err := ValidateSettings(settings); err != nil {
			return err
		}
		settings.UpdatedAt = e.clock.Now()
		return errors.Wrap(tx.SaveSettings(ctx, settings), "save settings")
	})
	if err != nil {
		return domain.SystemSettings{}, err
	}
	e.logger.Infow("settings updated",
		"ack_timeout_minutes", settings.AckTimeoutMinutes,
		"window_start", settings.OperationalStartMinute,
		"window_end", settings.OperationalEndMinute,
		"timezone", settings.Timezone,
	)
	return settings, nil
}

func applySettingsUpdate(current domain.SystemSettings, update SettingsUpdate) domain.SystemSettings {
	if update.AckTimeoutMinutes != nil {
		current.AckTimeoutMinutes = *update.AckTimeoutMinutes
	}
	if update.OperationalStartMinute != nil {
		current.OperationalStartMinute = *update.OperationalStartMinute
	}
	if update.OperationalEndMinute != nil {
		current.OperationalEndMinute = *update.OperationalEndMinute
	}
	if update.Timezone != nil {
		current.Timezone = *update.Timezone
	}
	if update.OutsideHoursReply != nil {
		current.OutsideHoursReply = *update.OutsideHoursReply
	}
	return current
}

func ValidateSettings(settings domain.SystemSettings) error {
	if !domain.ValidAckTimeout(settings.AckTimeoutMinutes) {
		return errors.Wrapf(ErrInvalidSettings, "ack timeout must be 5, 10 or 15 minutes, got %d", settings.AckTimeoutMinutes)
	}
	if settings.OperationalStartMinute < 0 || settings.OperationalStartMinute >= minutesPerDay {
		return errors.Wrapf(ErrInvalidSettings, "operational start minute out of range: %d", settings.OperationalStartMinute)
	}
	if settings.OperationalEndMinute < 0 || settings.OperationalEndMinute >= minutesPerDay {
		return errors.Wrapf(ErrInvalidSettings, "operational end minute out of range: %d", settings.OperationalEndMinute)
	}
	if settings.Timezone == "" {
		return errors.Wrap(ErrInvalidSettings, "timezone is required")
	}
	if _, err := time.LoadLocation(settings.Timezone); err != nil {
		return errors.Wrapf(ErrInvalidSettings, "unknown timezone %q", settings.Timezone)
	}
	return nil
}
