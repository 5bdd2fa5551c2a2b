package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that YAML-decodes from Go duration strings
// ("30s", "5m") as well as integer nanoseconds.
type Duration time.Duration

// Std returns the plain time.Duration value.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := node.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config carries runtime configuration for the plugin core. Durations marked
// as heuristics are tunable; the defaults mirror long-observed production
// values and are not correctness requirements.
type Config struct {
	// Backend connection.
	APIURL     string `yaml:"api_url"`
	APIToken   string `yaml:"api_token"`
	AuthHeader string `yaml:"auth_header"`

	// HTTP behaviour.
	RequestTimeout Duration `yaml:"request_timeout"`

	// Auth heuristics.
	RefreshGuard     Duration `yaml:"refresh_guard"`
	StoreTimeout     Duration `yaml:"store_timeout"`
	RefreshAhead     Duration `yaml:"refresh_ahead"`
	RefreshInterval  Duration `yaml:"refresh_interval"`
	AccountsDir      string   `yaml:"accounts_dir"`
	EncryptionSecret string   `yaml:"encryption_secret"`

	// Discovery heuristics.
	RestartDebounce Duration `yaml:"restart_debounce"`
	WatchdogTimeout Duration `yaml:"watchdog_timeout"`
	CandidateDelay  Duration `yaml:"candidate_delay"`
	MonitorInterval Duration `yaml:"monitor_interval"`
	MaintainEvery   Duration `yaml:"maintain_every"`
	RetryBudget     int      `yaml:"retry_budget"`
	FailureCacheCap int      `yaml:"failure_cache_cap"`

	// Diagnostics.
	Debug   bool   `yaml:"debug"`
	LogFile string `yaml:"log_file"`
}

// Default returns a Config populated with production defaults.
func Default() *Config {
	return &Config{
		AuthHeader:      "Authorization",
		RequestTimeout:  Duration(30 * time.Second),
		RefreshGuard:    Duration(30 * time.Second),
		StoreTimeout:    Duration(3 * time.Second),
		RefreshAhead:    Duration(2 * time.Minute),
		RefreshInterval: 0, // proactive refresh disabled unless set
		RestartDebounce: Duration(10 * time.Second),
		WatchdogTimeout: Duration(5 * time.Minute),
		CandidateDelay:  Duration(5 * time.Second),
		MonitorInterval: Duration(100 * time.Millisecond),
		MaintainEvery:   Duration(time.Minute),
		RetryBudget:     5,
		FailureCacheCap: 1000,
	}
}

// Normalize fills zero values with defaults so partially-specified config
// behaves sensibly.
func (c *Config) Normalize() {
	def := Default()
	if c.AuthHeader == "" {
		c.AuthHeader = def.AuthHeader
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.RefreshGuard <= 0 {
		c.RefreshGuard = def.RefreshGuard
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = def.StoreTimeout
	}
	if c.RefreshAhead <= 0 {
		c.RefreshAhead = def.RefreshAhead
	}
	if c.RestartDebounce <= 0 {
		c.RestartDebounce = def.RestartDebounce
	}
	if c.WatchdogTimeout <= 0 {
		c.WatchdogTimeout = def.WatchdogTimeout
	}
	if c.CandidateDelay <= 0 {
		c.CandidateDelay = def.CandidateDelay
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = def.MonitorInterval
	}
	if c.MaintainEvery <= 0 {
		c.MaintainEvery = def.MaintainEvery
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = def.RetryBudget
	}
	if c.FailureCacheCap <= 0 {
		c.FailureCacheCap = def.FailureCacheCap
	}
}
