package app

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/server71234-lang/free-vps/common/environment"
)

// Config holds application configuration. Values come from an optional YAML
// file first, then environment variables on top; every field has a default so
// a bare `freevps` starts with a local SQLite file and the Docker socket.
type Config struct {
	// DatabasePath is the SQLite file backing all durable state.
	DatabasePath string
	// HTTPAddr is the TCP address the API server listens on.
	HTTPAddr string
	// DeployCost is the flat coin price of one deployment.
	DeployCost int64
	// LeaseDuration is the fixed instance lifetime.
	LeaseDuration time.Duration
	// ProvisionTimeout bounds the container Create/Start/Inspect sequence.
	ProvisionTimeout time.Duration
	// SweepInterval is the reaper cadence.
	SweepInterval time.Duration
	// SessionTag is the provider tag the SESSION_ID credential must carry.
	SessionTag string
	// Image overrides the bot container image.
	Image string
	// ReferralBonus is the coin credit for each side of a referral.
	ReferralBonus int64
	// SignupBonus is the coin grant for a first-seen account.
	SignupBonus int64
	// MasterKey is an optional 64-character hex key. When set, instance
	// parameters (which carry the session credential) are sealed at rest.
	MasterKey string
}

// fileConfig is the YAML shape of the config file. Durations are strings in
// time.ParseDuration form ("72h", "6h", "90s").
type fileConfig struct {
	DatabasePath     string `yaml:"database_path"`
	HTTPAddr         string `yaml:"http_addr"`
	DeployCost       int64  `yaml:"deploy_cost"`
	LeaseDuration    string `yaml:"lease_duration"`
	ProvisionTimeout string `yaml:"provision_timeout"`
	SweepInterval    string `yaml:"sweep_interval"`
	SessionTag       string `yaml:"session_tag"`
	Image            string `yaml:"image"`
	ReferralBonus    int64  `yaml:"referral_bonus"`
	SignupBonus      int64  `yaml:"signup_bonus"`
	MasterKey        string `yaml:"master_key"`
}

func (fc *fileConfig) apply(config *Config) error {
	if fc.DatabasePath != "" {
		config.DatabasePath = fc.DatabasePath
	}
	if fc.HTTPAddr != "" {
		config.HTTPAddr = fc.HTTPAddr
	}
	if fc.DeployCost != 0 {
		config.DeployCost = fc.DeployCost
	}
	if fc.SessionTag != "" {
		config.SessionTag = fc.SessionTag
	}
	if fc.Image != "" {
		config.Image = fc.Image
	}
	if fc.ReferralBonus != 0 {
		config.ReferralBonus = fc.ReferralBonus
	}
	if fc.SignupBonus != 0 {
		config.SignupBonus = fc.SignupBonus
	}
	if fc.MasterKey != "" {
		config.MasterKey = fc.MasterKey
	}
	for _, d := range []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{fc.LeaseDuration, "lease_duration", &config.LeaseDuration},
		{fc.ProvisionTimeout, "provision_timeout", &config.ProvisionTimeout},
		{fc.SweepInterval, "sweep_interval", &config.SweepInterval},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.raw, err)
		}
		*d.dst = parsed
	}
	return nil
}

// LoadConfig builds the configuration: defaults, then the YAML file named by
// FREEVPS_CONFIG (if any), then individual environment variables.
func LoadConfig() (*Config, error) {
	config := &Config{
		DatabasePath:     "./freevps.db",
		HTTPAddr:         ":8080",
		DeployCost:       10,
		LeaseDuration:    72 * time.Hour,
		ProvisionTimeout: 2 * time.Minute,
		SweepInterval:    6 * time.Hour,
		SessionTag:       "INCONNU~XD~",
		ReferralBonus:    5,
		SignupBonus:      10,
	}

	if path := os.Getenv("FREEVPS_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		if err := fc.apply(config); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	config.DatabasePath = environment.StringOr("FREEVPS_DATABASE_PATH", config.DatabasePath)
	config.HTTPAddr = environment.StringOr("FREEVPS_HTTP_ADDR", config.HTTPAddr)
	config.DeployCost = int64(environment.IntOr("FREEVPS_DEPLOY_COST", int(config.DeployCost)))
	config.LeaseDuration = environment.DurationOr("FREEVPS_LEASE_DURATION", config.LeaseDuration)
	config.ProvisionTimeout = environment.DurationOr("FREEVPS_PROVISION_TIMEOUT", config.ProvisionTimeout)
	config.SweepInterval = environment.DurationOr("FREEVPS_SWEEP_INTERVAL", config.SweepInterval)
	config.SessionTag = environment.StringOr("FREEVPS_SESSION_TAG", config.SessionTag)
	config.Image = environment.StringOr("FREEVPS_IMAGE", config.Image)
	config.ReferralBonus = int64(environment.IntOr("FREEVPS_REFERRAL_BONUS", int(config.ReferralBonus)))
	config.SignupBonus = int64(environment.IntOr("FREEVPS_SIGNUP_BONUS", int(config.SignupBonus)))
	config.MasterKey = environment.StringOr("FREEVPS_MASTER_KEY", config.MasterKey)

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) validate() error {
	if c.DeployCost <= 0 {
		return fmt.Errorf("deploy_cost must be positive, got %d", c.DeployCost)
	}
	if c.LeaseDuration <= 0 {
		return fmt.Errorf("lease_duration must be positive, got %s", c.LeaseDuration)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive, got %s", c.SweepInterval)
	}
	if c.SessionTag == "" {
		return fmt.Errorf("session_tag must not be empty")
	}
	return nil
}
