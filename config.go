package nds

import (
	"os"

	"github.com/naoina/toml"
)

// Config holds the on-disk configuration for a Store, loaded the way the
// teacher loads node configuration: TOML via github.com/naoina/toml into a
// struct with lower_snake_case field names mirroring the original option
// names.
type Config struct {
	Enabled             bool `toml:"nds"`
	KeyCache            bool `toml:"nds_keycache"`
	SnapshotCompression bool `toml:"nds_snapshot_compression"`

	Databases           int    `toml:"databases"`
	BaseDir             string `toml:"base_dir"`
	FlushBatchSize      int    `toml:"flush_batch_size"`
	FlushInterruptEvery int    `toml:"flush_interrupt_every"`
}

// DefaultConfig returns the configuration used when no file is supplied.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		KeyCache:            false,
		SnapshotCompression: false,
		Databases:           16,
		BaseDir:             "./nds-data",
		FlushBatchSize:      50000,
		FlushInterruptEvery: 1000,
	}
}

// LoadConfig reads and parses a TOML configuration file at path, starting
// from DefaultConfig for any field the file omits.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	if err := toml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
