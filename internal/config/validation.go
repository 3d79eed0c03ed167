package config

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Validation errors.
var (
	ErrInvalidPort   = errors.New("config: invalid port")
	ErrInvalidUUID   = errors.New("config: invalid device uuid")
	ErrInvalidWindow = errors.New("config: invalid time window")
	ErrInvalidMode   = errors.New("config: invalid filter mode")
)

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Listen.Port)
	}

	if c.Device.UUID != "" {
		if _, err := uuid.Parse(c.Device.UUID); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidUUID, c.Device.UUID)
		}
	}

	for name, v := range map[string]int{
		"pairing.pin_lifetime_secs":    c.Pairing.PinLifetimeSecs,
		"pairing.heartbeat_secs":       c.Pairing.HeartbeatSecs,
		"pairing.miss_threshold":       c.Pairing.MissThreshold,
		"dedup.exact_window_secs":      c.Dedup.ExactWindowSecs,
		"dedup.history_tolerance_secs": c.Dedup.HistoryToleranceSecs,
		"dedup.monitor_tick_secs":      c.Dedup.MonitorTickSecs,
		"dedup.withdrawal_secs":        c.Dedup.WithdrawalSecs,
		"dedup.lock_delay_secs":        c.Dedup.LockDelaySecs,
		"discovery.browse_interval_secs": c.Discovery.BrowseIntervalSecs,
	} {
		if v <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidWindow, name)
		}
	}

	switch c.Filter.Mode {
	case FilterAllow, FilterDeny:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, c.Filter.Mode)
	}

	return nil
}

// EnsureDeviceUUID generates and assigns a device UUID if none is set.
// Returns true if the config was modified.
func (c *Config) EnsureDeviceUUID() bool {
	if c.Device.UUID != "" {
		return false
	}
	c.Device.UUID = uuid.NewString()
	return true
}
