package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
)

// Duration is a toml-friendly wrapper so config files can say "10s".
type Duration struct {
	time.Duration
}

func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.WithStack(err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	LogLevel string `toml:"log-level"`

	// DBPath is the directory partition state is stored in. Should exist
	// and be writable.
	DBPath string `toml:"db-path"`

	// Max wait for leader sync and replication on admission; also bounds
	// each coordinator try-abort call.
	SyncTimeout Duration `toml:"sync-timeout"`
	// Grace added to the producer-declared tx timeout before auto-abort.
	TxTimeoutDelay Duration `toml:"tx-timeout-delay"`
	// Period the expiration timer re-arms with after each pass. Earlier
	// transaction deadlines and MarkExpired pull the next firing forward.
	AbortInterval Duration `toml:"abort-interval"`
	// When the in-memory aborted list grows past this many ranges, the
	// oldest chunk is spilled to an abort segment.
	AbortIndexSegmentSize int `toml:"abort-index-segment-size"`
	// Cadence of the per-partition tx stats log line. Zero disables it.
	LogStatsInterval Duration `toml:"log-stats-interval"`
	// Disables the expiration scheduler (for tests).
	AutoAbortEnabled bool `toml:"auto-abort-enabled"`

	Engine Engine `toml:"engine"`
}

// Engine holds badger tuning knobs for the partition state store.
type Engine struct {
	ValueThreshold   int   `toml:"value-threshold"`
	NumCompactors    int   `toml:"num-compactors"`
	VlogFileSize     int64 `toml:"vlog-file-size"`
	MaxTableSize     int64 `toml:"max-table-size"`
	NumMemTables     int   `toml:"num-mem-tables"`
	NumL0Tables      int   `toml:"num-L0-tables"`
	NumL0TablesStall int   `toml:"num-L0-tables-stall"`
	SyncWrites       bool  `toml:"sync-writes"`
}

const (
	KB uint64 = 1024
	MB uint64 = 1024 * 1024
)

func (c *Config) Validate() error {
	if c.SyncTimeout.Duration <= 0 {
		return fmt.Errorf("sync-timeout must be greater than 0")
	}
	if c.AbortInterval.Duration <= 0 {
		return fmt.Errorf("abort-interval must be greater than 0")
	}
	if c.AbortIndexSegmentSize <= 0 {
		return fmt.Errorf("abort-index-segment-size must be greater than 0")
	}
	return nil
}

func NewDefaultConfig() *Config {
	return &Config{
		LogLevel:              "info",
		DBPath:                "/tmp/tinybroker",
		SyncTimeout:           NewDuration(10 * time.Second),
		TxTimeoutDelay:        NewDuration(1 * time.Second),
		AbortInterval:         NewDuration(5 * time.Second),
		AbortIndexSegmentSize: 50000,
		LogStatsInterval:      NewDuration(0),
		AutoAbortEnabled:      true,
		Engine: Engine{
			ValueThreshold:   256,
			NumCompactors:    1,
			VlogFileSize:     256 * int64(MB),
			MaxTableSize:     32 * int64(MB),
			NumMemTables:     2,
			NumL0Tables:      4,
			NumL0TablesStall: 8,
			SyncWrites:       true,
		},
	}
}

// NewTestConfig returns a config suitable for unit tests: auto-abort off,
// short timeouts, no stats logging.
func NewTestConfig() *Config {
	c := NewDefaultConfig()
	c.SyncTimeout = NewDuration(time.Second)
	c.TxTimeoutDelay = NewDuration(10 * time.Millisecond)
	c.AbortInterval = NewDuration(10 * time.Millisecond)
	c.AutoAbortEnabled = false
	c.Engine.SyncWrites = false
	return c
}

// FromFile loads a toml config file over the defaults.
func FromFile(path string) (*Config, error) {
	c := NewDefaultConfig()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
