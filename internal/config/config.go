package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/validator"
)

// Config holds all configuration for the service
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"logLevel"`
	Server      struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"server"`
	Database struct {
		PostgresDSN         string `mapstructure:"postgresDSN"`
		PostgresAutoMigrate bool   `mapstructure:"postgresAutoMigrate"`
	} `mapstructure:"database"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Ticketing TicketingConfig `mapstructure:"ticketing"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Tenant    struct {
		DefaultID string `mapstructure:"defaultId"` // Owner for instances adopted from the gateway
	} `mapstructure:"tenant"`
	Quota      QuotaDefaults    `mapstructure:"quota"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Ingestion  IngestionConfig  `mapstructure:"ingestion"`
	Retention  struct {
		DedupWindowDays int           `mapstructure:"dedupWindowDays"` // InboundMessageRecord retention
		PruneInterval   time.Duration `mapstructure:"pruneInterval"`
	} `mapstructure:"retention"`
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"metrics"`
}

// NATSConfig holds event stream settings.
type NATSConfig struct {
	URL                string `mapstructure:"url"`
	EventStream        string `mapstructure:"eventStream"`        // Stream holding connection lifecycle events
	EventSubjectPrefix string `mapstructure:"eventSubjectPrefix"` // Base subject, e.g. v1.connections
	EventMaxAgeDays    int    `mapstructure:"eventMaxAgeDays"`
}

// ProviderConfig holds gateway client settings.
type ProviderConfig struct {
	BaseURL        string        `mapstructure:"baseURL" json:"base_url" validate:"required,url"`
	APIKey         string        `mapstructure:"apiKey" json:"api_key"`
	RequestTimeout time.Duration `mapstructure:"requestTimeout" json:"request_timeout"`
	SendMaxRetries int           `mapstructure:"sendMaxRetries" json:"send_max_retries"`
}

// TicketingConfig holds settings for the external ticketing backend.
type TicketingConfig struct {
	BaseURL        string        `mapstructure:"baseURL" json:"base_url" validate:"required,url"`
	APIKey         string        `mapstructure:"apiKey" json:"api_key"`
	RequestTimeout time.Duration `mapstructure:"requestTimeout" json:"request_timeout"`
}

// QuotaDefaults holds tenant-plan default quotas applied to new connections.
type QuotaDefaults struct {
	MaxReceived int `mapstructure:"maxReceived"`
	MaxSent     int `mapstructure:"maxSent"`
}

// ReconcilerConfig holds configuration for the reconciliation loop.
type ReconcilerConfig struct {
	Interval                 time.Duration `mapstructure:"interval"`
	ProbeConcurrency         int           `mapstructure:"probeConcurrency"`         // Connectivity probes in flight per cycle
	MissingCyclesBeforePurge int           `mapstructure:"missingCyclesBeforePurge"` // Gateway omissions tolerated before Closed
	TimeoutsBeforeStateLoss  int           `mapstructure:"timeoutsBeforeStateLoss"`  // Consecutive probe timeouts before Disconnected
}

// IngestionConfig holds configuration for the ingestion worker pool.
type IngestionConfig struct {
	PoolSize     int           `mapstructure:"poolSize"`  // Hard cap, independent of connection count
	QueueSize    int           `mapstructure:"queueSize"` // Task queue buffer size
	MaxBlock     time.Duration `mapstructure:"maxBlock"`  // Max time to block when submitting if queue full
	ExpiryTime   time.Duration `mapstructure:"expiryTime"`
	PollInterval time.Duration `mapstructure:"pollInterval"` // Scheduling tick
	FetchLimit   int           `mapstructure:"fetchLimit"`   // Recent messages per poll
}

// LoadConfig reads configuration from file or environment variables
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("environment", "development")
	v.SetDefault("logLevel", "info")
	v.SetDefault("server.port", 8080)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 2112)

	v.SetDefault("provider.requestTimeout", 10*time.Second)
	v.SetDefault("provider.sendMaxRetries", 2)

	v.SetDefault("ticketing.requestTimeout", 10*time.Second)

	v.SetDefault("nats.eventStream", "fleet_events")
	v.SetDefault("nats.eventSubjectPrefix", "v1.connections")
	v.SetDefault("nats.eventMaxAgeDays", 7)

	v.SetDefault("quota.maxReceived", 1000)
	v.SetDefault("quota.maxSent", 300)

	v.SetDefault("reconciler.interval", 45*time.Second)
	v.SetDefault("reconciler.probeConcurrency", 8)
	v.SetDefault("reconciler.missingCyclesBeforePurge", 3)
	v.SetDefault("reconciler.timeoutsBeforeStateLoss", 3)

	v.SetDefault("ingestion.poolSize", 32)
	v.SetDefault("ingestion.queueSize", 10000)
	v.SetDefault("ingestion.maxBlock", time.Second)
	v.SetDefault("ingestion.expiryTime", time.Minute)
	v.SetDefault("ingestion.pollInterval", 5*time.Second)
	v.SetDefault("ingestion.fetchLimit", 50)

	v.SetDefault("retention.dedupWindowDays", 14)
	v.SetDefault("retention.pruneInterval", time.Hour)

	// Config file settings
	v.SetConfigName("default")
	v.SetConfigType("yaml")

	// Add lookup paths
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./internal/config")
	v.AddConfigPath("$HOME/.daisi-wa-fleet-manager")
	v.AddConfigPath("/etc/daisi-wa-fleet-manager")

	// Try to read from config file
	if err := v.ReadInConfig(); err != nil {
		// It's ok if config file is not found, we'll use env vars
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Override with environment variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Map environment variables to config fields
	bindEnvs(v, Config{})

	// Read directly from ENV for critical values
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		v.Set("database.postgresDSN", dsn)
	}
	if lgLevel := os.Getenv("LOG_LEVEL"); lgLevel != "" {
		v.Set("logLevel", lgLevel)
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		v.Set("nats.url", url)
	}
	if gw := os.Getenv("PROVIDER_BASE_URL"); gw != "" {
		v.Set("provider.baseURL", gw)
	}
	if key := os.Getenv("PROVIDER_API_KEY"); key != "" {
		v.Set("provider.apiKey", key)
	}
	if tk := os.Getenv("TICKETING_BASE_URL"); tk != "" {
		v.Set("ticketing.baseURL", tk)
	}
	if key := os.Getenv("TICKETING_API_KEY"); key != "" {
		v.Set("ticketing.apiKey", key)
	}
	if tenantID := os.Getenv("DEFAULT_TENANT_ID"); tenantID != "" {
		v.Set("tenant.defaultId", tenantID)
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := validator.Validate(config.Provider); err != nil {
		return nil, fmt.Errorf("invalid provider configuration: %w", err)
	}
	if err := validator.Validate(config.Ticketing); err != nil {
		return nil, fmt.Errorf("invalid ticketing configuration: %w", err)
	}

	return &config, nil
}

// bindEnvs recursively binds environment variables to config struct fields
func bindEnvs(v *viper.Viper, cfg interface{}, parts ...string) {
	ifv := reflect.ValueOf(cfg)
	ift := reflect.TypeOf(cfg)
	for i := 0; i < ift.NumField(); i++ {
		fieldVal := ifv.Field(i)
		fieldType := ift.Field(i)

		// Get the field tag value (mapstructure)
		tag := fieldType.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}

		// Build the env var path
		path := append(parts, tag)
		key := strings.Join(path, ".")

		// If it's a struct, recursively bind its fields
		if fieldType.Type.Kind() == reflect.Struct {
			bindEnvs(v, fieldVal.Interface(), path...)
			continue
		}

		// Bind the env var
		_ = v.BindEnv(key)
	}
}
