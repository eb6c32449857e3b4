package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/notargets/meshredist/partitions"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config holds the meshredist configuration.
type Config struct {
	// Redistribution pass settings
	Redistribution RedistributionConfig `yaml:"redistribution"`

	// Synthetic input mesh
	Grid GridConfig `yaml:"grid"`

	// How ranks talk to each other
	Transport TransportConfig `yaml:"transport"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// RedistributionConfig configures redistribution passes.
type RedistributionConfig struct {
	GlobalPointIDs      string `yaml:"global_point_ids"` // Empty disables point deduplication
	RetainDecomposition bool   `yaml:"retain_decomposition"`
	RegionsPerRank      int    `yaml:"regions_per_rank"`
	Assignment          string `yaml:"assignment"` // contiguous, round_robin
	Passes              int    `yaml:"passes"`     // Back to back passes over the same data
}

// GridConfig describes the structured grid used as input.
type GridConfig struct {
	NX      int     `yaml:"nx"`
	NY      int     `yaml:"ny"`
	NZ      int     `yaml:"nz"`
	Spacing float64 `yaml:"spacing"`
	Shard   string  `yaml:"shard"` // block, round_robin, slabs, single
}

// TransportConfig selects the communicator.
type TransportConfig struct {
	Kind           string   `yaml:"kind"`  // loopback, websocket
	Ranks          int      `yaml:"ranks"` // In-process ranks for loopback
	Peers          []string `yaml:"peers"` // host:port per rank for websocket
	ConnectTimeout string   `yaml:"connect_timeout"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// Valid enumerations
var (
	ValidTransports = []string{"loopback", "websocket"}
	ValidShards     = []string{"block", "round_robin", "slabs", "single"}
	ValidFormats    = []string{"json", "console"}
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Redistribution: RedistributionConfig{
			GlobalPointIDs: "GlobalPointIds",
			RegionsPerRank: 1,
			Assignment:     "contiguous",
			Passes:         1,
		},
		Grid: GridConfig{
			NX:      20,
			NY:      5,
			NZ:      1,
			Spacing: 2,
			Shard:   "round_robin",
		},
		Transport: TransportConfig{
			Kind:           "loopback",
			Ranks:          4,
			ConnectTimeout: "30s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults. Environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies MESHREDIST_* environment variables.
func (c *Config) applyEnvOverrides() error {
	if v, ok := os.LookupEnv("MESHREDIST_GLOBAL_POINT_IDS"); ok {
		c.Redistribution.GlobalPointIDs = v
	}
	if v := os.Getenv("MESHREDIST_RETAIN_DECOMPOSITION"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MESHREDIST_RETAIN_DECOMPOSITION: %w", err)
		}
		c.Redistribution.RetainDecomposition = b
	}
	if v := os.Getenv("MESHREDIST_REGIONS_PER_RANK"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MESHREDIST_REGIONS_PER_RANK: %w", err)
		}
		c.Redistribution.RegionsPerRank = n
	}
	if v := os.Getenv("MESHREDIST_ASSIGNMENT"); v != "" {
		c.Redistribution.Assignment = v
	}
	if v := os.Getenv("MESHREDIST_TRANSPORT"); v != "" {
		c.Transport.Kind = v
	}
	if v := os.Getenv("MESHREDIST_RANKS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MESHREDIST_RANKS: %w", err)
		}
		c.Transport.Ranks = n
	}
	if v := os.Getenv("MESHREDIST_PEERS"); v != "" {
		c.Transport.Peers = strings.Split(v, ",")
	}
	if v := os.Getenv("MESHREDIST_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	return nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	r := c.Redistribution
	if r.RegionsPerRank < 1 {
		return fmt.Errorf("regions_per_rank must be >= 1, got %d", r.RegionsPerRank)
	}
	if _, err := partitions.ParseStrategy(r.Assignment); err != nil {
		return err
	}
	if r.Passes < 1 {
		return fmt.Errorf("passes must be >= 1, got %d", r.Passes)
	}

	g := c.Grid
	if g.NX < 1 || g.NY < 1 || g.NZ < 1 {
		return fmt.Errorf("grid dimensions must be >= 1, got %dx%dx%d", g.NX, g.NY, g.NZ)
	}
	if g.Spacing <= 0 {
		return fmt.Errorf("grid spacing must be > 0, got %g", g.Spacing)
	}
	if !oneOf(g.Shard, ValidShards) {
		return fmt.Errorf("invalid shard %q (valid: %s)", g.Shard, strings.Join(ValidShards, ", "))
	}

	t := c.Transport
	switch t.Kind {
	case "loopback":
		if t.Ranks < 1 {
			return fmt.Errorf("loopback ranks must be >= 1, got %d", t.Ranks)
		}
	case "websocket":
		if len(t.Peers) == 0 {
			return fmt.Errorf("websocket transport needs peers")
		}
	default:
		return fmt.Errorf("invalid transport %q (valid: %s)", t.Kind, strings.Join(ValidTransports, ", "))
	}
	if _, err := time.ParseDuration(t.ConnectTimeout); err != nil {
		return fmt.Errorf("invalid connect_timeout: %w", err)
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if !oneOf(c.Logging.Format, ValidFormats) {
		return fmt.Errorf("invalid log format %q (valid: %s)", c.Logging.Format, strings.Join(ValidFormats, ", "))
	}
	return nil
}

// PartitionOptions returns the decomposition settings
func (c *Config) PartitionOptions() (partitions.Options, error) {
	s, err := partitions.ParseStrategy(c.Redistribution.Assignment)
	if err != nil {
		return partitions.Options{}, err
	}
	return partitions.Options{RegionsPerRank: c.Redistribution.RegionsPerRank, Strategy: s}, nil
}

// GetConnectTimeout returns the websocket connect timeout as a duration.
func (c *Config) GetConnectTimeout() time.Duration {
	d, err := time.ParseDuration(c.Transport.ConnectTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// NumRanks returns the world size the transport implies
func (c *Config) NumRanks() int {
	if c.Transport.Kind == "websocket" {
		return len(c.Transport.Peers)
	}
	return c.Transport.Ranks
}

func oneOf(v string, valid []string) bool {
	for _, s := range valid {
		if v == s {
			return true
		}
	}
	return false
}
