// Package config loads the pipeline configuration from YAML and applies
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the daily pipeline.
type Config struct {
	Folders Folders `yaml:"folders"`
	S3      S3      `yaml:"s3"`
	Extract Extract `yaml:"extract"`
	Convert Convert `yaml:"convert"`
	CSV     CSV     `yaml:"csv"`
	Bucket  Bucket  `yaml:"bucket"`
	Export  Export  `yaml:"export"`
	Logging Logging `yaml:"logging"`
}

// Folders holds the directories each pipeline stage reads and writes.
type Folders struct {
	// Archives receives fetched archives.
	Archives string `yaml:"archives"`
	// Raw receives the extracted instrument files.
	Raw string `yaml:"raw"`
	// Work holds converted tables and finalized day tables.
	Work string `yaml:"work"`
	// Staging holds the continuation records of incomplete days.
	Staging string `yaml:"staging"`
	// Exports receives the columnar day artifacts.
	Exports string `yaml:"exports"`
	// StateFile tracks the last archive processed across runs.
	StateFile string `yaml:"state_file"`
}

// S3 locates the remote archive exports.
type S3 struct {
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
	Workers int    `yaml:"workers"`
}

// Extract configures the external archive extractor.
type Extract struct {
	Command        string `yaml:"command"`
	DeleteArchives bool   `yaml:"delete_archives"`
}

// Convert configures the instrument file conversion stage.
type Convert struct {
	// Workers is the conversion pool size. Zero means NumCPU-2.
	Workers int `yaml:"workers"`
	// ClockOffset corrects the acquisition clock, e.g. "-3h".
	ClockOffset string `yaml:"clock_offset"`
}

// CSV is the delimited text convention shared by all tabular files.
type CSV struct {
	Delimiter string `yaml:"delimiter"`
	Decimal   string `yaml:"decimal"`
}

// Bucket configures the day aggregation stage.
type Bucket struct {
	// ChunkRows bounds rows read per chunk. Zero means memory-sized.
	ChunkRows int `yaml:"chunk_rows"`
	// KeepProvisional leaves incomplete day tables in the work area.
	KeepProvisional bool `yaml:"keep_provisional"`
}

// Export configures the columnar export stage.
type Export struct {
	// Unit tags output file names, e.g. "05" -> 24.1.5-u05.parquet.
	Unit string `yaml:"unit"`
}

// Logging configures the application logger.
type Logging struct {
	Debug  bool `yaml:"debug"`
	Pretty bool `yaml:"pretty"`
}

// Default returns the configuration used when no file is given, rooted at
// the data directory.
func Default() *Config {
	return defaultsFor("data")
}

func defaultsFor(dataDir string) *Config {
	return &Config{
		Folders: Folders{
			Archives:  filepath.Join(dataDir, "archives"),
			Raw:       filepath.Join(dataDir, "raw"),
			Work:      filepath.Join(dataDir, "work"),
			Staging:   filepath.Join(dataDir, "staging"),
			Exports:   filepath.Join(dataDir, "exports"),
			StateFile: filepath.Join(dataDir, "state.json"),
		},
		Extract: Extract{
			Command:        "7z",
			DeleteArchives: true,
		},
		Convert: Convert{
			ClockOffset: "-3h",
		},
		CSV: CSV{
			Delimiter: ";",
			Decimal:   ",",
		},
		Bucket: Bucket{
			KeepProvisional: true,
		},
		Export: Export{
			Unit: "01",
		},
	}
}

// Load reads the YAML configuration at path over the defaults, applies
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TDMSDAILY_DATA_DIR"); v != "" {
		def := defaultsFor(v)
		cfg.Folders = def.Folders
	}
	if v := os.Getenv("TDMSDAILY_S3_BUCKET"); v != "" {
		cfg.S3.Bucket = v
	}
	if v := os.Getenv("TDMSDAILY_S3_PREFIX"); v != "" {
		cfg.S3.Prefix = v
	}
}

// Validate rejects settings the stages cannot run with.
func (c *Config) Validate() error {
	if c.Folders.Work == "" {
		return fmt.Errorf("folders.work is required")
	}
	if c.Folders.Staging == "" {
		return fmt.Errorf("folders.staging is required")
	}
	if len(c.CSV.Delimiter) != 1 {
		return fmt.Errorf("csv.delimiter must be a single character, got %q", c.CSV.Delimiter)
	}
	if len(c.CSV.Decimal) != 1 {
		return fmt.Errorf("csv.decimal must be a single character, got %q", c.CSV.Decimal)
	}
	if _, err := c.ClockOffset(); err != nil {
		return err
	}
	return nil
}

// ClockOffset parses the configured acquisition clock correction.
func (c *Config) ClockOffset() (time.Duration, error) {
	if c.Convert.ClockOffset == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Convert.ClockOffset)
	if err != nil {
		return 0, fmt.Errorf("convert.clock_offset %q: %w", c.Convert.ClockOffset, err)
	}
	return d, nil
}
