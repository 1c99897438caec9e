package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FailurePolicy decides what a batch does when one model fails.
type FailurePolicy int

const (
	// FailAbort stops the batch on the first failing model.
	FailAbort FailurePolicy = iota
	// FailSkip reports the failing model and carries on with the rest.
	FailSkip
)

func (p FailurePolicy) String() string {
	switch p {
	case FailAbort:
		return "abort"
	case FailSkip:
		return "skip"
	default:
		return fmt.Sprintf("FailurePolicy(%d)", int(p))
	}
}

func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "abort":
		return FailAbort, nil
	case "skip":
		return FailSkip, nil
	default:
		return FailAbort, fmt.Errorf("invalid failure policy: %q (must be abort or skip)", s)
	}
}

func (p FailurePolicy) MarshalYAML() (interface{}, error) {
	return p.String(), nil
}

func (p *FailurePolicy) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseFailurePolicy(value.Value)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Environment variables understood by ApplyEnv.
const (
	EnvConnectionString = "CONNECTION_STRING"
	EnvDatabaseName     = "DATABASE_NAME"
	EnvPlotFolderPath   = "PLOT_FOLDER_PATH"
	EnvVerbose          = "WEIGHTSCOPE_VERBOSE"
)

type Config struct {
	MongoURI       string        `yaml:"mongo_uri"`
	Database       string        `yaml:"database"`
	Collection     string        `yaml:"collection"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	PlotDir       string `yaml:"plot_dir"`
	CreatePlotDir bool   `yaml:"create_plot_dir"`

	Verbose   bool   `yaml:"verbose"`
	LogFormat string `yaml:"log_format"`

	Workers       int           `yaml:"workers"`
	FailurePolicy FailurePolicy `yaml:"failure_policy"`

	MetricsAddr string `yaml:"metrics_addr"`
}

func (c *Config) Validate() error {
	if c.MongoURI == "" {
		return fmt.Errorf("invalid mongo_uri: empty (set %s or -mongo)", EnvConnectionString)
	}
	if c.Database == "" {
		return fmt.Errorf("invalid database: empty")
	}
	if c.Collection == "" {
		return fmt.Errorf("invalid collection: empty")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("invalid connect_timeout: %v (must be positive)", c.ConnectTimeout)
	}
	if c.PlotDir == "" {
		return fmt.Errorf("invalid plot_dir: empty (set %s or -plots)", EnvPlotFolderPath)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("invalid workers: %d (must be positive)", c.Workers)
	}
	if c.FailurePolicy != FailAbort && c.FailurePolicy != FailSkip {
		return fmt.Errorf("invalid failure_policy: %v", c.FailurePolicy)
	}
	switch strings.ToLower(c.LogFormat) {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log_format: %q (must be console or json)", c.LogFormat)
	}
	return nil
}

// IsMemorySink reports whether documents go to the in-process store.
func (c *Config) IsMemorySink() bool {
	return strings.HasPrefix(c.MongoURI, "memory://")
}

func Default() Config {
	return Config{
		Database:       "NNModels",
		Collection:     "weights",
		ConnectTimeout: 10 * time.Second,
		PlotDir:        "plots",
		Verbose:        true,
		LogFormat:      "console",
		Workers:        1,
		FailurePolicy:  FailAbort,
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the process environment.
func (c *Config) ApplyEnv() error {
	return c.applyEnv(os.LookupEnv)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvConnectionString); ok && v != "" {
		c.MongoURI = v
	}
	if v, ok := lookup(EnvDatabaseName); ok && v != "" {
		c.Database = v
	}
	if v, ok := lookup(EnvPlotFolderPath); ok && v != "" {
		c.PlotDir = v
	}
	if v, ok := lookup(EnvVerbose); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %q", EnvVerbose, v)
		}
		c.Verbose = b
	}
	return nil
}
