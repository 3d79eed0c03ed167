package config

import (
	"os"
	"path/filepath"
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			DisplayName: defaultDisplayName(),
		},
		Listen: ListenConfig{
			Address: "",
			Port:    47831,
		},
		Discovery: DiscoveryConfig{
			Enabled:            true,
			Service:            "_islandd._tcp",
			BrowseIntervalSecs: 15,
		},
		Pairing: PairingConfig{
			PinLifetimeSecs: 60,
			HeartbeatSecs:   10,
			MissThreshold:   3,
			StrictCrypto:    false,
		},
		Dedup: DedupConfig{
			ExactWindowSecs:      10,
			HistoryToleranceSecs: 5,
			MonitorTickSecs:      1,
			WithdrawalSecs:       15,
			LockDelaySecs:        15,
		},
		Store: StoreConfig{
			Path:              defaultStorePath(),
			ContentMaxEntries: 500,
			ContentMaxAgeDays: 14,
		},
		History: HistoryConfig{
			MaxEntries: 200,
		},
		Filter: FilterConfig{
			Mode: FilterDeny,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

func defaultDisplayName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "islandd"
	}
	return host
}

func defaultStorePath() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		homeDir, _ := os.UserHomeDir()
		dataHome = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataHome, "islandd", "islandd.db")
}
