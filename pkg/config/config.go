// Package config loads engine settings from a YAML file and BURROW_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/burrow/pkg/cluster"
	"github.com/cuemby/burrow/pkg/crashwatch"
	"github.com/cuemby/burrow/pkg/driver"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/naming"
	"github.com/cuemby/burrow/pkg/workflow"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BURROW_"

// Duration is a time.Duration written as "90s" or "5m" in YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// LogConfig selects the log level and format.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config holds every engine setting.
type Config struct {
	Kubeconfig       string `yaml:"kubeconfig,omitempty"`
	Namespace        string `yaml:"namespace"`
	RunnerNamespace  string `yaml:"runnerNamespace"`
	MetricsNamespace string `yaml:"metricsNamespace"`
	ExternalHost     string `yaml:"externalHost,omitempty"`
	// InCluster forces the caller location; unset means autodetect.
	InCluster *bool `yaml:"inCluster,omitempty"`

	OperationTimeout  Duration `yaml:"operationTimeout"`
	PollInterval      Duration `yaml:"pollInterval"`
	WatchCrashes      bool     `yaml:"watchCrashes"`
	CrashPollInterval Duration `yaml:"crashPollInterval"`

	Log LogConfig `yaml:"log"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Namespace:         "burrow",
		RunnerNamespace:   "default",
		MetricsNamespace:  "monitoring",
		OperationTimeout:  Duration(5 * time.Minute),
		PollInterval:      Duration(2 * time.Second),
		CrashPollInterval: Duration(crashwatch.DefaultInterval),
		Log:               LogConfig{Level: string(log.InfoLevel)},
	}
}

// Load reads path on top of the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides fields from BURROW_* variables. Malformed values are
// reported together.
func (c *Config) ApplyEnv() error {
	var errs []error
	c.Kubeconfig = getString("KUBECONFIG", c.Kubeconfig)
	c.Namespace = getString("NAMESPACE", c.Namespace)
	c.RunnerNamespace = getString("RUNNER_NAMESPACE", c.RunnerNamespace)
	c.MetricsNamespace = getString("METRICS_NAMESPACE", c.MetricsNamespace)
	c.ExternalHost = getString("EXTERNAL_HOST", c.ExternalHost)
	c.Log.Level = getString("LOG_LEVEL", c.Log.Level)

	if v, ok, err := getBool("IN_CLUSTER"); err != nil {
		errs = append(errs, err)
	} else if ok {
		c.InCluster = &v
	}
	if v, ok, err := getBool("WATCH_CRASHES"); err != nil {
		errs = append(errs, err)
	} else if ok {
		c.WatchCrashes = v
	}
	if v, ok, err := getBool("LOG_JSON"); err != nil {
		errs = append(errs, err)
	} else if ok {
		c.Log.JSON = v
	}

	for key, target := range map[string]*Duration{
		"OPERATION_TIMEOUT":   &c.OperationTimeout,
		"POLL_INTERVAL":       &c.PollInterval,
		"CRASH_POLL_INTERVAL": &c.CrashPollInterval,
	} {
		if err := getDuration(key, target); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if naming.FormatClusterName(c.Namespace) == "" {
		errs = append(errs, fmt.Errorf("namespace is required"))
	}
	if c.RunnerNamespace == "" {
		errs = append(errs, fmt.Errorf("runnerNamespace is required"))
	}
	if c.MetricsNamespace == "" {
		errs = append(errs, fmt.Errorf("metricsNamespace is required"))
	}
	if c.OperationTimeout <= 0 {
		errs = append(errs, fmt.Errorf("operationTimeout must be positive, got %s", c.OperationTimeout))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("pollInterval must be positive, got %s", c.PollInterval))
	} else if c.PollInterval > c.OperationTimeout {
		errs = append(errs, fmt.Errorf("pollInterval %s exceeds operationTimeout %s", c.PollInterval, c.OperationTimeout))
	}
	if d := c.CrashPollInterval.Std(); d < crashwatch.MinInterval || d > crashwatch.MaxInterval {
		errs = append(errs, fmt.Errorf("crashPollInterval must be between %s and %s, got %s", crashwatch.MinInterval, crashwatch.MaxInterval, d))
	}
	switch log.Level(c.Log.Level) {
	case log.DebugLevel, log.InfoLevel, log.WarnLevel, log.ErrorLevel:
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Log.Level))
	}
	return errors.Join(errs...)
}

// ClusterOptions returns the connection settings.
func (c *Config) ClusterOptions() cluster.Options {
	return cluster.Options{
		Kubeconfig:   c.Kubeconfig,
		ExternalHost: c.ExternalHost,
		InCluster:    c.InCluster,
	}
}

// DriverConfig returns the driver settings.
func (c *Config) DriverConfig() driver.Config {
	return driver.Config{
		Namespace:        c.Namespace,
		RunnerNamespace:  c.RunnerNamespace,
		MetricsNamespace: c.MetricsNamespace,
		OperationTimeout: c.OperationTimeout.Std(),
		PollInterval:     c.PollInterval.Std(),
	}
}

// WorkflowOptions returns the crash watching settings. Hooks and counters are
// left to the caller.
func (c *Config) WorkflowOptions() workflow.Options {
	return workflow.Options{
		WatchCrashes:  c.WatchCrashes,
		CrashInterval: c.CrashPollInterval.Std(),
	}
}

// LogConfig returns the logger settings.
func (c *Config) LogConfig() log.Config {
	return log.Config{
		Level:      log.ParseLevel(c.Log.Level),
		JSONOutput: c.Log.JSON,
	}
}

func getString(key, fallback string) string {
	if value, ok := os.LookupEnv(EnvPrefix + key); ok {
		return strings.TrimSpace(value)
	}
	return fallback
}

func getBool(key string) (bool, bool, error) {
	value, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return false, false, nil
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return false, false, fmt.Errorf("invalid value for %s%s: %w", EnvPrefix, key, err)
	}
	return parsed, true, nil
}

func getDuration(key string, target *Duration) error {
	value, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return nil
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("invalid value for %s%s: %w", EnvPrefix, key, err)
	}
	*target = Duration(parsed)
	return nil
}
