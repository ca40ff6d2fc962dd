package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/nautlabs/nautsync/libs/log"
)

// Config defines the top-level configuration for a nautsync node.
type Config struct {
	LogLevel  string      `mapstructure:"log-level"`
	LogFormat string      `mapstructure:"log-format"`
	Sync      *SyncConfig `mapstructure:"sync"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:  log.LogLevelInfo,
		LogFormat: log.LogFormatPlain,
		Sync:      DefaultSyncConfig(),
	}
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if cfg.Sync == nil {
		return errors.New("no sync configuration")
	}
	if err := cfg.Sync.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [sync] section: %w", err)
	}
	return nil
}

//-----------------------------------------------------------------------------

// SyncConfig defines the configuration for the block sync machinery.
type SyncConfig struct {
	// BatchSize is the number of blocks requested per range when a fresh
	// range is scheduled.
	BatchSize int64 `mapstructure:"batch-size"`

	// MaxParallelDownloads bounds how many peers may be assigned the same
	// in-flight range at once.
	MaxParallelDownloads uint32 `mapstructure:"max-parallel-downloads"`

	// MaxDownloadAhead bounds how far past the lowest pending range a new
	// request may start.
	MaxDownloadAhead int64 `mapstructure:"max-download-ahead"`

	// RequestInterval is how often idle peers are offered new work.
	RequestInterval time.Duration `mapstructure:"request-interval"`

	// TrySyncInterval is how often ready blocks are drained towards the
	// import pipeline.
	TrySyncInterval time.Duration `mapstructure:"try-sync-interval"`

	// PeerTimeout is how long a peer may sit on an assigned request before
	// it is reported as errored.
	PeerTimeout time.Duration `mapstructure:"peer-timeout"`
}

// DefaultSyncConfig returns a default configuration for the block sync
// machinery.
func DefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		BatchSize:            128,
		MaxParallelDownloads: 5,
		MaxDownloadAhead:     2048,
		RequestInterval:      10 * time.Millisecond,
		TrySyncInterval:      100 * time.Millisecond,
		PeerTimeout:          60 * time.Second,
	}
}

// TestSyncConfig returns a configuration for testing the block sync
// machinery.
func TestSyncConfig() *SyncConfig {
	cfg := DefaultSyncConfig()
	cfg.BatchSize = 10
	cfg.RequestInterval = 2 * time.Millisecond
	cfg.TrySyncInterval = 10 * time.Millisecond
	cfg.PeerTimeout = 2 * time.Second
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *SyncConfig) ValidateBasic() error {
	if cfg.BatchSize <= 0 {
		return errors.New("batch-size must be positive")
	}
	if cfg.MaxParallelDownloads == 0 {
		return errors.New("max-parallel-downloads must be positive")
	}
	if cfg.MaxDownloadAhead <= 0 {
		return errors.New("max-download-ahead must be positive")
	}
	if cfg.RequestInterval <= 0 {
		return errors.New("request-interval must be positive")
	}
	if cfg.TrySyncInterval <= 0 {
		return errors.New("try-sync-interval must be positive")
	}
	if cfg.PeerTimeout <= 0 {
		return errors.New("peer-timeout must be positive")
	}
	return nil
}
