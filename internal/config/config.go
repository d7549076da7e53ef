// Package config assembles the service configuration from YAML files and
// SITESPEAK_* environment variables. Component packages own their tuning
// structs and clamp their own values; this package only composes them and
// rejects settings the process cannot start with.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/sitespeak/sitespeak/internal/crawler"
	"github.com/sitespeak/sitespeak/internal/embedding"
	"github.com/sitespeak/sitespeak/internal/indexer"
	"github.com/sitespeak/sitespeak/internal/middleware"
	"github.com/sitespeak/sitespeak/internal/queue"
	"github.com/sitespeak/sitespeak/internal/retrievalcache"
	"github.com/sitespeak/sitespeak/internal/search"
	"github.com/sitespeak/sitespeak/internal/tenant"
	"github.com/sitespeak/sitespeak/internal/vectorstore"
	"github.com/sitespeak/sitespeak/internal/voice"
)

// Config holds the complete service configuration.
type Config struct {
	Service    ServiceConfig        `mapstructure:"service"`
	Database   DatabaseConfig       `mapstructure:"database"`
	Redis      RedisConfig          `mapstructure:"redis"`
	Embedding  embedding.HTTPConfig `mapstructure:"embedding"`
	Search     SearchConfig         `mapstructure:"search"`
	Indexing   IndexingConfig       `mapstructure:"indexing"`
	Crawler    CrawlerConfig        `mapstructure:"crawler"`
	RateLimits RateLimitsConfig     `mapstructure:"rate_limits"`
	Voice      voice.Config         `mapstructure:"voice"`
	Locales    LocalesConfig        `mapstructure:"locales"`
	Auth       tenant.Config        `mapstructure:"auth"`
}

// ServiceConfig tunes the HTTP listeners.
type ServiceConfig struct {
	Name          string `mapstructure:"name"`
	ListenAddress string `mapstructure:"listen_address"`
	// HealthAddress serves /health, /ready, and /metrics on a separate
	// listener so probes bypass the API middleware chain.
	HealthAddress string        `mapstructure:"health_address"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout must stay zero while event streams are served from the
	// main listener; a nonzero value cuts long-lived responses.
	WriteTimeout    time.Duration                    `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration                    `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration                    `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64                            `mapstructure:"max_body_bytes"`
	SecurityHeaders middleware.SecurityHeadersConfig `mapstructure:"security_headers"`
}

// SearchConfig groups the retrieval pipeline knobs.
type SearchConfig struct {
	Engine search.Config         `mapstructure:"engine"`
	Cache  retrievalcache.Config `mapstructure:"cache"`
	Store  vectorstore.Config    `mapstructure:"store"`
}

// IndexingConfig groups crawl-run execution and the job queue.
type IndexingConfig struct {
	Run    indexer.Config       `mapstructure:"run"`
	Worker indexer.WorkerConfig `mapstructure:"worker"`
	Queue  queue.Config         `mapstructure:"queue"`
	// Sites declares the crawlable tenant sites for the static directory.
	Sites []indexer.SiteConfig `mapstructure:"sites"`
}

// CrawlerConfig carries the recurring crawl schedules.
type CrawlerConfig struct {
	Schedules []crawler.Schedule `mapstructure:"schedules"`
}

// Rule is one rate limit: max requests per rolling window.
type Rule struct {
	Max    int           `mapstructure:"max"`
	Window time.Duration `mapstructure:"window"`
}

// RateLimitsConfig scopes the sliding-window limits per surface. Global is
// keyed by client IP; the rest are keyed by tenant.
type RateLimitsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Prefix  string `mapstructure:"prefix"`
	Global  Rule   `mapstructure:"global"`
	Search  Rule   `mapstructure:"search"`
	Voice   Rule   `mapstructure:"voice"`
	Crawl   Rule   `mapstructure:"crawl"`
}

// LocalesConfig declares the locales negotiation can serve.
type LocalesConfig struct {
	Supported []string `mapstructure:"supported"`
	Default   string   `mapstructure:"default"`
}

// Load reads configuration in precedence order: defaults, then the YAML
// file (SITESPEAK_CONFIG_FILE, or config.yaml found in ., ./configs, or
// /etc/sitespeak), then SITESPEAK_* environment variables. A missing file
// is fine unless it was named explicitly.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if file := os.Getenv("SITESPEAK_CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/sitespeak")
	}

	v.SetEnvPrefix("SITESPEAK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects configurations the service cannot start with. Component
// tuning values are clamped by their own constructors and are not second
// guessed here.
func (c *Config) Validate() error {
	if c.Service.ListenAddress == "" {
		return fmt.Errorf("service.listen_address is required")
	}
	if c.Service.MaxBodyBytes <= 0 {
		return fmt.Errorf("service.max_body_bytes must be positive")
	}
	if c.Database.DSN == "" && c.Database.Host == "" {
		return fmt.Errorf("database needs a dsn or a host")
	}
	if c.Redis.Address == "" {
		return fmt.Errorf("redis.address is required")
	}
	if len(c.Locales.Supported) == 0 {
		return fmt.Errorf("locales.supported must list at least one tag")
	}
	if c.RateLimits.Enabled {
		rules := map[string]Rule{
			"global": c.RateLimits.Global,
			"search": c.RateLimits.Search,
			"voice":  c.RateLimits.Voice,
			"crawl":  c.RateLimits.Crawl,
		}
		for name, rule := range rules {
			if rule.Max <= 0 || rule.Window <= 0 {
				return fmt.Errorf("rate_limits.%s needs a positive max and window", name)
			}
		}
	}
	return nil
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		stringToUUIDHookFunc(),
	)
}

// stringToUUIDHookFunc decodes strings into uuid.UUID fields so site and
// schedule entries can be written naturally in YAML.
func stringToUUIDHookFunc() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf(uuid.UUID{}) {
			return data, nil
		}
		return uuid.Parse(data.(string))
	}
}
