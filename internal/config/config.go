package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/imagestore"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/logging"
)

// Config models studio.yaml.
type Config struct {
	Server struct {
		Addr         string        `yaml:"addr" mapstructure:"addr"`
		PublicURL    string        `yaml:"public_url" mapstructure:"public_url"`
		ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	} `yaml:"server" mapstructure:"server"`
	Database struct {
		Workspace string `yaml:"workspace" mapstructure:"workspace"`
		Path      string `yaml:"path" mapstructure:"path"`
	} `yaml:"database" mapstructure:"database"`
	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret" mapstructure:"jwt_secret"`
		TokenTTL       time.Duration `yaml:"token_ttl" mapstructure:"token_ttl"`
		AllowAnonymous bool          `yaml:"allow_anonymous" mapstructure:"allow_anonymous"`
	} `yaml:"auth" mapstructure:"auth"`
	Pricing struct {
		BaseUnit    int64            `yaml:"base_unit" mapstructure:"base_unit"`
		Multipliers map[string]int64 `yaml:"multipliers" mapstructure:"multipliers"`
	} `yaml:"pricing" mapstructure:"pricing"`
	Pool struct {
		Cooldown  time.Duration `yaml:"cooldown" mapstructure:"cooldown"`
		SecretKey string        `yaml:"secret_key" mapstructure:"secret_key"`
	} `yaml:"pool" mapstructure:"pool"`
	Planner  ModelCall `yaml:"planner" mapstructure:"planner"`
	Renderer ModelCall `yaml:"renderer" mapstructure:"renderer"`
	Render   struct {
		Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
	} `yaml:"render" mapstructure:"render"`
	Sweep struct {
		Interval  time.Duration `yaml:"interval" mapstructure:"interval"`
		Threshold time.Duration `yaml:"threshold" mapstructure:"threshold"`
	} `yaml:"sweep" mapstructure:"sweep"`
	Storage struct {
		Driver   string                 `yaml:"driver" mapstructure:"driver"`
		LocalDir string                 `yaml:"local_dir" mapstructure:"local_dir"`
		Minio    imagestore.MinioConfig `yaml:"minio" mapstructure:"minio"`
	} `yaml:"storage" mapstructure:"storage"`
	Queue struct {
		Driver  string `yaml:"driver" mapstructure:"driver"`
		Workers int    `yaml:"workers" mapstructure:"workers"`
		Buffer  int    `yaml:"buffer" mapstructure:"buffer"`
		NATS    struct {
			URL     string `yaml:"url" mapstructure:"url"`
			Stream  string `yaml:"stream" mapstructure:"stream"`
			Subject string `yaml:"subject" mapstructure:"subject"`
			Durable string `yaml:"durable" mapstructure:"durable"`
		} `yaml:"nats" mapstructure:"nats"`
	} `yaml:"queue" mapstructure:"queue"`
	Redis struct {
		Addr     string `yaml:"addr" mapstructure:"addr"`
		Password string `yaml:"password" mapstructure:"password"`
		DB       int    `yaml:"db" mapstructure:"db"`
		Prefix   string `yaml:"prefix" mapstructure:"prefix"`
	} `yaml:"redis" mapstructure:"redis"`
	Webhooks []WebhookConfig `yaml:"webhooks" mapstructure:"webhooks"`
	Logging  logging.Config  `yaml:"logging" mapstructure:"logging"`
}

// WebhookConfig is one outbound receiver of audit events. An empty Events
// list subscribes to everything; entries ending in ".*" match a prefix.
type WebhookConfig struct {
	URL     string        `yaml:"url" mapstructure:"url"`
	Secret  string        `yaml:"secret" mapstructure:"secret"`
	Events  []string      `yaml:"events" mapstructure:"events"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
	Enabled *bool         `yaml:"enabled" mapstructure:"enabled"`
}

// ModelCall bounds the calls made to one external model kind.
type ModelCall struct {
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxAttempts int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff" mapstructure:"backoff"`
}

// Multiplier returns the price multiplier for a resolution. Keys are
// matched case-insensitively since env and viper lower-case them.
func (c *Config) Multiplier(resolution string) (int64, bool) {
	for k, v := range c.Pricing.Multipliers {
		if strings.EqualFold(k, resolution) {
			return v, true
		}
	}
	return 0, false
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Pricing.BaseUnit <= 0 {
		return fmt.Errorf("config.pricing.base_unit must be positive")
	}
	for _, res := range []string{"1K", "2K", "4K"} {
		m, ok := c.Multiplier(res)
		if !ok {
			return fmt.Errorf("config.pricing.multipliers is missing %s", res)
		}
		if m <= 0 {
			return fmt.Errorf("config.pricing.multipliers.%s must be positive", res)
		}
	}
	if c.Pool.Cooldown < 0 {
		return fmt.Errorf("config.pool.cooldown must not be negative")
	}
	for name, mc := range map[string]ModelCall{"planner": c.Planner, "renderer": c.Renderer} {
		if mc.MaxAttempts < 1 {
			return fmt.Errorf("config.%s.max_attempts must be at least 1", name)
		}
		if mc.Timeout <= 0 {
			return fmt.Errorf("config.%s.timeout must be positive", name)
		}
	}
	if c.Render.Concurrency < 1 {
		return fmt.Errorf("config.render.concurrency must be at least 1")
	}
	if c.Sweep.Threshold <= 0 {
		return fmt.Errorf("config.sweep.threshold must be positive")
	}
	switch c.Storage.Driver {
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("config.storage.local_dir is required for the local driver")
		}
	case "minio":
		if c.Storage.Minio.Endpoint == "" || c.Storage.Minio.Bucket == "" {
			return fmt.Errorf("config.storage.minio needs endpoint and bucket")
		}
	default:
		return fmt.Errorf("config.storage.driver must be local or minio")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	switch c.Queue.Driver {
	case "inline":
	case "local":
		if c.Queue.Workers < 1 {
			return fmt.Errorf("config.queue.workers must be at least 1")
		}
	case "nats":
		if c.Queue.NATS.URL == "" || c.Queue.NATS.Stream == "" || c.Queue.NATS.Subject == "" {
			return fmt.Errorf("config.queue.nats needs url, stream and subject")
		}
	default:
		return fmt.Errorf("config.queue.driver must be inline, local or nats")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".studio", "studio.yaml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes layered over
// the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load layers, lowest precedence first: built-in defaults, the YAML file
// at path (skipped when path is empty or missing), STUDIO_* environment
// variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewBufferString(defaultTemplate)); err != nil {
		return nil, fmt.Errorf("read default config: %w", err)
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}
	v.SetEnvPrefix("STUDIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

const defaultTemplate = `server:
  addr: ":8080"
  public_url: "http://localhost:8080"
  read_timeout: 30s
  write_timeout: 120s

database:
  workspace: "."
  path: ""

auth:
  jwt_secret: ""
  token_ttl: 24h
  allow_anonymous: true

pricing:
  base_unit: 10
  multipliers:
    1K: 1
    2K: 2
    4K: 4

pool:
  cooldown: 60s
  secret_key: ""

planner:
  timeout: 60s
  max_attempts: 3
  backoff: 1s

renderer:
  timeout: 180s
  max_attempts: 3
  backoff: 2s

render:
  concurrency: 4

sweep:
  interval: 5m
  threshold: 15m

storage:
  driver: local
  local_dir: ".studio/images"
  minio:
    endpoint: ""
    access_key_id: ""
    secret_access_key: ""
    use_ssl: false
    bucket: "studio-images"
    base_path: ""
    public_url: ""
    max_retries: 5
    retry_interval: 1s

queue:
  driver: local
  workers: 4
  buffer: 64
  nats:
    url: "nats://127.0.0.1:4222"
    stream: "STUDIO_JOBS"
    subject: "studio.jobs"
    durable: "studio-worker"

redis:
  addr: ""
  password: ""
  db: 0
  prefix: "studio:"

webhooks: []

logging:
  level: info
  format: json
  file: ""
  max_size_mb: 50
  max_backups: 5
  max_age_days: 14
`
