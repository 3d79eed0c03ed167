// Package config handles configuration loading, validation, and management
// for islandd.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config holds the complete daemon configuration.
type Config struct {
	// Device identifies this installation to its peers.
	Device DeviceConfig `toml:"device"`

	// Listen configures the peer-facing TCP listener.
	Listen ListenConfig `toml:"listen"`

	// Discovery configures LAN advertisement and browsing.
	Discovery DiscoveryConfig `toml:"discovery"`

	// Pairing configures PIN handshakes and session liveness.
	Pairing PairingConfig `toml:"pairing"`

	// Dedup configures duplicate-notification suppression.
	Dedup DedupConfig `toml:"dedup"`

	// Store configures the sqlite database and content-store GC.
	Store StoreConfig `toml:"store"`

	// History configures the merged-session history log.
	History HistoryConfig `toml:"history"`

	// Filter selects which notifications are relayed at all.
	// This section is hot-reloaded when the config file changes.
	Filter FilterConfig `toml:"filter"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging"`
}

// DeviceConfig identifies this device.
type DeviceConfig struct {
	// UUID is stable per install. Generated on first run if empty.
	UUID string `toml:"uuid"`

	// DisplayName is the human-readable name advertised to peers.
	DisplayName string `toml:"display_name"`
}

// ListenConfig holds the peer listener settings.
type ListenConfig struct {
	// Address to bind. Empty means all interfaces.
	Address string `toml:"address"`

	// Port for the peer TCP listener.
	Port int `toml:"port"`
}

// DiscoveryConfig holds mDNS discovery settings.
type DiscoveryConfig struct {
	// Enabled turns LAN advertisement and browsing on.
	Enabled bool `toml:"enabled"`

	// Service is the mDNS service type.
	Service string `toml:"service"`

	// BrowseIntervalSecs is how often the browse loop re-queries the LAN.
	BrowseIntervalSecs int `toml:"browse_interval_secs"`
}

// PairingConfig holds handshake and liveness settings.
type PairingConfig struct {
	// PinLifetimeSecs is how long a generated PIN stays valid.
	PinLifetimeSecs int `toml:"pin_lifetime_secs"`

	// HeartbeatSecs is the liveness ping interval.
	HeartbeatSecs int `toml:"heartbeat_secs"`

	// MissThreshold is how many consecutive missed heartbeats mark a
	// peer offline.
	MissThreshold int `toml:"miss_threshold"`

	// StrictCrypto makes decryption failures fatal instead of passing
	// the payload through for best-effort parsing.
	StrictCrypto bool `toml:"strict_crypto"`
}

// DedupConfig holds duplicate-suppression windows. All values in seconds.
type DedupConfig struct {
	// ExactWindowSecs is the exact (title, text) match window.
	ExactWindowSecs int `toml:"exact_window_secs"`

	// HistoryToleranceSecs is the time tolerance for history matching.
	HistoryToleranceSecs int `toml:"history_tolerance_secs"`

	// MonitorTickSecs is the withdrawal monitor tick interval.
	MonitorTickSecs int `toml:"monitor_tick_secs"`

	// WithdrawalSecs is how long a displayed notification stays
	// eligible for cancellation.
	WithdrawalSecs int `toml:"withdrawal_secs"`

	// LockDelaySecs is the display delay while the screen is locked.
	LockDelaySecs int `toml:"lock_delay_secs"`
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	// Path to the sqlite database file.
	Path string `toml:"path"`

	// ContentMaxEntries caps the content store size.
	ContentMaxEntries int `toml:"content_max_entries"`

	// ContentMaxAgeDays ages out unreferenced content entries.
	ContentMaxAgeDays int `toml:"content_max_age_days"`
}

// HistoryConfig holds history log settings.
type HistoryConfig struct {
	// MaxEntries caps the number of retained history rows.
	MaxEntries int `toml:"max_entries"`
}

// FilterMode selects filter semantics.
type FilterMode string

const (
	// FilterDeny relays everything except listed packages.
	FilterDeny FilterMode = "deny"

	// FilterAllow relays only listed packages.
	FilterAllow FilterMode = "allow"
)

// FilterConfig holds the notification filter.
type FilterConfig struct {
	// Mode is "deny" or "allow".
	Mode FilterMode `toml:"mode"`

	// Packages is the allow/deny list, by package name.
	Packages []string `toml:"packages"`

	// DelayPackages are packages whose relayed notifications are
	// deferred while the screen is locked.
	DelayPackages []string `toml:"delay_packages"`
}

// Allows reports whether a notification from pkg passes the filter.
func (f *FilterConfig) Allows(pkg string) bool {
	listed := false
	for _, p := range f.Packages {
		if p == pkg {
			listed = true
			break
		}
	}
	if f.Mode == FilterAllow {
		return listed
	}
	return !listed
}

// NeedsDelay reports whether pkg is flagged for lock-screen delay.
func (f *FilterConfig) NeedsDelay(pkg string) bool {
	for _, p := range f.DelayPackages {
		if p == pkg {
			return true
		}
	}
	return false
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Output string `toml:"output"`
}

// DefaultPath returns the platform default config file path.
func DefaultPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		homeDir, _ := os.UserHomeDir()
		configHome = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configHome, "islandd", "config.toml")
}

// Load reads and validates a config file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Save writes the config atomically (write temp, rename).
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.toml")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := toml.NewEncoder(tmp).Encode(c); err != nil {
		tmp.Close()
		return fmt.Errorf("encode config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename config: %w", err)
	}

	return nil
}
