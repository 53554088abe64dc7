// Package config loads the supervisor's runtime configuration from a
// YAML file over built-in defaults; CLI flags applied afterwards by
// cmd/supervisord win. An optional .env file is loaded into the process
// environment, but no Config field is read from environment variables. Structure and validation style
// follow the pack's YAML-config convention; flag wiring follows the
// teacher's cobra persistent-flags idiom in cmd/warren/main.go.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/ridersdiscount/bend/pkg/types"
	"gopkg.in/yaml.v3"
)

// Config is the supervisor daemon's full runtime configuration.
type Config struct {
	// Name identifies this supervisor instance in logs and metrics.
	Name string `yaml:"name"`

	// ClientAddr is the TCP listen address for the network client
	// endpoint (e.g. "0.0.0.0:4040").
	ClientAddr string `yaml:"client_addr"`

	// WorkerSocket is the Unix domain socket path for the local worker
	// endpoint.
	WorkerSocket string `yaml:"worker_socket"`

	// RunPrefix is the root directory the catalogue scans for worker
	// descriptors.
	RunPrefix string `yaml:"run_prefix"`

	// TmpPrefix is the root directory under which each instance gets a
	// scratch directory.
	TmpPrefix string `yaml:"tmp_prefix"`

	// VarPrefix is the root directory for the sqlite event sink and any
	// other persistent state.
	VarPrefix string `yaml:"var_prefix"`

	// LogLevel is one of "debug", "info", "warn", "error". Defaults to
	// "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// LogJSON switches structured JSON logging on.
	LogJSON bool `yaml:"log_json"`

	// Debug exposes the status/metrics HTTP endpoint when set.
	Debug bool `yaml:"debug"`

	// StatusAddr is the listen address for the debug status endpoint.
	StatusAddr string `yaml:"status_addr"`

	// CatalogueScanCron is a robfig/cron schedule expression controlling
	// how often the catalogue rescans RunPrefix for added/modified/
	// removed descriptors. Defaults to "@every 5m".
	CatalogueScanCron string `yaml:"catalogue_scan_cron"`

	Deadlines types.Deadlines `yaml:"-"`
	DeadlinesRaw DeadlinesYAML `yaml:"deadlines"`
}

// DeadlinesYAML mirrors types.Deadlines with yaml tags and string
// durations, since time.Duration has no native YAML representation.
type DeadlinesYAML struct {
	Start      string `yaml:"start"`
	Work       string `yaml:"work"`
	FinishKill string `yaml:"finish_kill"`
	TermKill   string `yaml:"term_kill"`
}

// defaults mirror spec.md §4.6's default cadences and types.DefaultDeadlines.
func defaults() Config {
	return Config{
		Name:              "bend",
		ClientAddr:        "127.0.0.1:4040",
		WorkerSocket:      "/tmp/bend/worker.sock",
		RunPrefix:         "/etc/bend/workers",
		TmpPrefix:         "/var/tmp/bend",
		VarPrefix:         "/var/lib/bend",
		LogLevel:          "info",
		StatusAddr:        "127.0.0.1:4041",
		CatalogueScanCron: "@every 5m",
		Deadlines:         types.DefaultDeadlines(),
	}
}

// Load reads path as YAML over the defaults and returns the merged
// configuration. If envPath exists it is loaded into the process
// environment with godotenv; this does not change any Config field.
// Either path may be empty, in which case that source is skipped.
func Load(path, envPath string) (Config, error) {
	cfg := defaults()

	if envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			if err := godotenv.Load(envPath); err != nil {
				return cfg, fmt.Errorf("config: loading env overlay: %w", err)
			}
		}
	}

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	if err := cfg.resolveDeadlines(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) resolveDeadlines() error {
	d := types.DefaultDeadlines()
	var err error
	if c.DeadlinesRaw.Start != "" {
		if d.Start, err = time.ParseDuration(c.DeadlinesRaw.Start); err != nil {
			return fmt.Errorf("config: deadlines.start: %w", err)
		}
	}
	if c.DeadlinesRaw.Work != "" {
		if d.Work, err = time.ParseDuration(c.DeadlinesRaw.Work); err != nil {
			return fmt.Errorf("config: deadlines.work: %w", err)
		}
	}
	if c.DeadlinesRaw.FinishKill != "" {
		if d.FinishKill, err = time.ParseDuration(c.DeadlinesRaw.FinishKill); err != nil {
			return fmt.Errorf("config: deadlines.finish_kill: %w", err)
		}
	}
	if c.DeadlinesRaw.TermKill != "" {
		if d.TermKill, err = time.ParseDuration(c.DeadlinesRaw.TermKill); err != nil {
			return fmt.Errorf("config: deadlines.term_kill: %w", err)
		}
	}
	c.Deadlines = d
	return nil
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate rejects configurations spec.md's invariants can't tolerate.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("config: name must not be empty")
	}
	if c.ClientAddr == "" {
		return fmt.Errorf("config: client_addr must not be empty")
	}
	if c.WorkerSocket == "" {
		return fmt.Errorf("config: worker_socket must not be empty")
	}
	if c.RunPrefix == "" {
		return fmt.Errorf("config: run_prefix must not be empty")
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("config: log_level %q not one of debug/info/warn/error", c.LogLevel)
	}
	return nil
}
