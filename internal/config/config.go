// Package config loads and validates the snowpatchd configuration file: the
// required top/git/patchwork/runners[] sections, plus the optional
// postgres/s3/status sections. Unknown keys are rejected.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level snowpatchd configuration.
type Config struct {
	Name      string          `yaml:"name"`
	Git       GitConfig       `yaml:"git"`
	Patchwork PatchworkConfig `yaml:"patchwork"`
	Runners   []RunnerConfig  `yaml:"runners"`

	Postgres *PostgresConfig `yaml:"postgres,omitempty"`
	S3       *S3Config       `yaml:"s3,omitempty"`
	Status   *StatusConfig   `yaml:"status,omitempty"`
}

// GitConfig is the `git` section.
type GitConfig struct {
	User       string `yaml:"user"`
	PublicKey  string `yaml:"public_key"`
	PrivateKey string `yaml:"private_key"`
	Repo       string `yaml:"repo"`
	WorkDir    string `yaml:"workdir"`
	Workers    int    `yaml:"workers"`
}

// PatchworkConfig is the `patchwork` section.
type PatchworkConfig struct {
	URL      string `yaml:"url"`
	Token    string `yaml:"token"`
	PageSize int    `yaml:"page_size"`

	// ScanCron, if set, overrides the Watcher's scan cadence with a 5-field
	// cron expression instead of the bare 10-minute floor. Optional.
	ScanCron string `yaml:"scan_cron,omitempty"`
}

// RunnerTrigger is the tagged union `{OnPush: {remote}}` or
// `{Manual: {data}}` from the runner descriptor.
type RunnerTrigger struct {
	OnPush *OnPushTrigger `yaml:"on_push,omitempty"`
	Manual *ManualTrigger `yaml:"manual,omitempty"`
}

// OnPushTrigger names the remote a pushed branch reacts against.
type OnPushTrigger struct {
	Remote string `yaml:"remote"`
}

// ManualTrigger carries adaptor-specific data for out-of-band runners.
type ManualTrigger struct {
	Data string `yaml:"data"`
}

// RunnerConfig is one entry of `runners[]`: `{kind, url, optional token, trigger}`.
type RunnerConfig struct {
	Handle  string        `yaml:"handle"`
	Kind    string        `yaml:"kind"`
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Trigger RunnerTrigger `yaml:"trigger"`
}

// PostgresConfig enables the optional Verdict audit trail.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// S3Config enables the optional failure-artifact archive.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// StatusConfig configures the operational HTTP surface.
type StatusConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

const defaultStatusListenAddr = ":8080"

const defaultConfigFile = "snowpatch.yaml"

// ResolvePath returns the configuration path to load: the SNOWPATCH_CONFIG
// environment variable if set, else ./snowpatch.yaml if it exists, else "".
func ResolvePath() string {
	if p := os.Getenv("SNOWPATCH_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return defaultConfigFile
	}
	return ""
}

// Load reads and validates the configuration file at path. Unknown keys are
// rejected via yaml.Decoder's KnownFields mode.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Git.PublicKey == "" {
		c.Git.PublicKey = os.Getenv("HOME") + "/.ssh/id_rsa.pub"
	}
	if c.Git.PrivateKey == "" {
		c.Git.PrivateKey = os.Getenv("HOME") + "/.ssh/id_rsa"
	}
	if c.Git.Workers <= 0 {
		c.Git.Workers = 1
	}
	if c.Patchwork.PageSize <= 0 {
		c.Patchwork.PageSize = 50
	}
	if c.Status != nil && c.Status.ListenAddr == "" {
		c.Status.ListenAddr = defaultStatusListenAddr
	}
}

// validate rejects invalid or incomplete field combinations.
func (c *Config) validate() error {
	if c.Name == "" {
		return fmt.Errorf("top-level %q is required", "name")
	}
	if c.Git.User == "" {
		return fmt.Errorf("git.user is required")
	}
	if c.Git.Repo == "" {
		return fmt.Errorf("git.repo is required")
	}
	if c.Git.WorkDir == "" {
		return fmt.Errorf("git.workdir is required")
	}
	if c.Patchwork.URL == "" {
		return fmt.Errorf("patchwork.url is required")
	}
	seenRemotes := make(map[string]string, len(c.Runners))
	for i, r := range c.Runners {
		if r.Handle == "" {
			return fmt.Errorf("runners[%d]: handle is required", i)
		}
		if r.Kind == "" {
			return fmt.Errorf("runners[%d]: kind is required", i)
		}
		hasOnPush := r.Trigger.OnPush != nil
		hasManual := r.Trigger.Manual != nil
		if hasOnPush == hasManual {
			return fmt.Errorf("runners[%d]: trigger must be exactly one of on_push or manual", i)
		}
		if hasOnPush {
			remote := r.Trigger.OnPush.Remote
			if remote == "" {
				return fmt.Errorf("runners[%d]: trigger.on_push.remote is required", i)
			}
			// "remotes to push to" is keyed by remote name alone, so a second
			// runner on the same remote would silently overwrite the first's
			// queue registration instead of pushing to both.
			if other, ok := seenRemotes[remote]; ok {
				return fmt.Errorf("runners[%d]: trigger.on_push.remote %q is already claimed by runner %q", i, remote, other)
			}
			seenRemotes[remote] = r.Handle
		}
	}
	if c.Postgres != nil && c.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn is required when the postgres section is present")
	}
	if c.S3 != nil && (c.S3.Endpoint == "" || c.S3.Bucket == "") {
		return fmt.Errorf("s3.endpoint and s3.bucket are required when the s3 section is present")
	}
	return nil
}
