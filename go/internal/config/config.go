// Package config loads the pipeline configuration from YAML with
// environment overrides. Sections convert into the component configs
// they describe; Validate aggregates every problem instead of stopping
// at the first.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mcdev12/orderwire/go/internal/channel"
	"github.com/mcdev12/orderwire/go/internal/consumer"
	"github.com/mcdev12/orderwire/go/internal/dispatch"
	owerrors "github.com/mcdev12/orderwire/go/internal/errors"
	"github.com/mcdev12/orderwire/go/internal/retry"
)

// Duration decodes YAML scalars with time.ParseDuration, so configs can
// say "30s" instead of nanosecond integers. Bare integers are seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	// Integer first: yaml decodes the scalar 5 into the string "5",
	// which time.ParseDuration rejects.
	var secs int64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("invalid duration at line %d", value.Line)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type ConsumerSection struct {
	Group             string   `yaml:"group"`
	Members           int      `yaml:"members"` // in-process group members
	PollInterval      Duration `yaml:"poll_interval"`
	BatchSize         int      `yaml:"batch_size"`
	MaxHandlerRetries int      `yaml:"max_handler_retries"`
	HandlerRetryDelay Duration `yaml:"handler_retry_delay"`
}

type RetrySection struct {
	MaxAttempts int      `yaml:"max_attempts"`
	Base        Duration `yaml:"base"`
	Cap         Duration `yaml:"cap"`
	Jitter      float64  `yaml:"jitter"`
}

type SchedulerSection struct {
	BatchSize  int      `yaml:"batch_size"`
	NumWorkers int      `yaml:"num_workers"`
	IdlePoll   Duration `yaml:"idle_poll"`
}

type PushSection struct {
	BaseURL  string   `yaml:"base_url"`
	Token    string   `yaml:"token"`
	Endpoint string   `yaml:"endpoint"`
	Timeout  Duration `yaml:"timeout"`
}

type NATSSection struct {
	URL           string `yaml:"url"` // empty = in-memory event log
	Stream        string `yaml:"stream"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// StoresSection selects the persistence backends. Backend "postgres"
// stores retry attempts and dead letters in Postgres (DSN from DB_*
// env via dbconfig); "memory" keeps them in-process. OffsetDB is the
// SQLite path for consumer offsets, empty for in-memory offsets.
type StoresSection struct {
	Backend  string `yaml:"backend"`
	OffsetDB string `yaml:"offset_db"`
}

type GatewaySection struct {
	Addr string `yaml:"addr"`
}

type Config struct {
	Partitions int                           `yaml:"partitions"`
	Consumer   ConsumerSection               `yaml:"consumer"`
	Retry      RetrySection                  `yaml:"retry"`
	Scheduler  SchedulerSection              `yaml:"scheduler"`
	Channels   channel.RouterConfig          `yaml:"channels"`
	Push       PushSection                   `yaml:"push"`
	Recipients dispatch.StaticResolverConfig `yaml:"recipients"`
	NATS       NATSSection                   `yaml:"nats"`
	Stores     StoresSection                 `yaml:"stores"`
	Gateway    GatewaySection                `yaml:"gateway"`
}

// Default returns the configuration a single-node development pipeline
// runs with when no file is given.
func Default() *Config {
	policy := retry.DefaultPolicy()
	sched := retry.DefaultSchedulerConfig()
	return &Config{
		Partitions: 4,
		Consumer: ConsumerSection{
			Group:             "orderwire-notifications",
			Members:           1,
			PollInterval:      Duration(100 * time.Millisecond),
			BatchSize:         64,
			MaxHandlerRetries: 2,
			HandlerRetryDelay: Duration(250 * time.Millisecond),
		},
		Retry: RetrySection{
			MaxAttempts: policy.MaxAttempts,
			Base:        Duration(policy.Base),
			Cap:         Duration(policy.Cap),
			Jitter:      policy.Jitter,
		},
		Scheduler: SchedulerSection{
			BatchSize:  sched.BatchSize,
			NumWorkers: sched.NumWorkers,
			IdlePoll:   Duration(sched.IdlePoll),
		},
		Channels: channel.DefaultRouterConfig(),
		Stores:   StoresSection{Backend: "memory"},
		Gateway:  GatewaySection{Addr: ":8083"},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file. The result is
// validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets deployments override the file without editing it.
func (c *Config) applyEnv() {
	c.Partitions = getEnvAsInt("ORDERWIRE_PARTITIONS", c.Partitions)
	c.Consumer.Group = getEnv("ORDERWIRE_GROUP", c.Consumer.Group)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.NATS.Stream = getEnv("NATS_STREAM", c.NATS.Stream)
	c.Stores.Backend = getEnv("ORDERWIRE_STORE_BACKEND", c.Stores.Backend)
	c.Stores.OffsetDB = getEnv("ORDERWIRE_OFFSET_DB", c.Stores.OffsetDB)
	c.Gateway.Addr = getEnv("GATEWAY_ADDR", c.Gateway.Addr)
}

// Validate aggregates every configuration problem.
func (c *Config) Validate() error {
	var errs []error

	if c.Partitions < 1 {
		errs = append(errs, &owerrors.ConfigurationError{
			Component: "pipeline",
			Reason:    fmt.Sprintf("partitions must be at least 1, got %d", c.Partitions),
		})
	}
	if c.Consumer.Group == "" {
		errs = append(errs, &owerrors.ConfigurationError{
			Component: "consumer",
			Reason:    "group name is required",
		})
	}
	if c.Consumer.Members < 1 {
		errs = append(errs, &owerrors.ConfigurationError{
			Component: "consumer",
			Reason:    fmt.Sprintf("members must be at least 1, got %d", c.Consumer.Members),
		})
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Channels.Default == "" {
		errs = append(errs, &owerrors.ConfigurationError{
			Component: "channel router",
			Reason:    "default channel is required",
		})
	}
	switch c.Stores.Backend {
	case "memory", "postgres":
	default:
		errs = append(errs, &owerrors.ConfigurationError{
			Component: "stores",
			Reason:    fmt.Sprintf("backend must be memory or postgres, got %q", c.Stores.Backend),
		})
	}
	if c.Gateway.Addr == "" {
		errs = append(errs, &owerrors.ConfigurationError{
			Component: "gateway",
			Reason:    "listen address is required",
		})
	}

	return errors.Join(errs...)
}

// RetryPolicy converts the retry section.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		Base:        c.Retry.Base.Std(),
		Cap:         c.Retry.Cap.Std(),
		Jitter:      c.Retry.Jitter,
	}
}

// SchedulerConfig converts the scheduler section. Clock and Metrics are
// left for the composition root.
func (c *Config) SchedulerConfig() retry.SchedulerConfig {
	return retry.SchedulerConfig{
		Policy:     c.RetryPolicy(),
		BatchSize:  c.Scheduler.BatchSize,
		NumWorkers: c.Scheduler.NumWorkers,
		IdlePoll:   c.Scheduler.IdlePoll.Std(),
	}
}

// ConsumerConfig converts the consumer section. Clock and Metrics are
// left for the composition root.
func (c *Config) ConsumerConfig() consumer.Config {
	return consumer.Config{
		Group:             c.Consumer.Group,
		PollInterval:      c.Consumer.PollInterval.Std(),
		BatchSize:         c.Consumer.BatchSize,
		MaxHandlerRetries: c.Consumer.MaxHandlerRetries,
		HandlerRetryDelay: c.Consumer.HandlerRetryDelay.Std(),
	}
}

// PushConfig converts the push section.
func (c *Config) PushConfig() channel.PushConfig {
	return channel.PushConfig{
		BaseURL:  c.Push.BaseURL,
		Token:    c.Push.Token,
		Endpoint: c.Push.Endpoint,
		Timeout:  c.Push.Timeout.Std(),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
