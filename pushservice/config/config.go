package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

// Backend selects the delivery client implementation.
type Backend string

const (
	BackendHTTP Backend = "http"
	BackendSDK  Backend = "sdk"
)

const (
	DefaultListenAddr     = ":8080"
	DefaultIdentityURL    = "http://localhost:3000"
	DefaultMaxConcurrency = 8
	DefaultTimeout        = 10 * time.Second
	DefaultRefreshMargin  = 5 * time.Minute
	DefaultPriority       = "high"
	DefaultChannelID      = "notification_channel"
	DefaultRedisTTL       = 24 * time.Hour
)

type RedisConfig struct {
	Enabled   bool
	Addr      string
	Password  string
	DB        int
	TTL       time.Duration
	KeyPrefix string
}

type CredentialsConfig struct {
	// ServiceAccountFile is the Google service-account JSON key.
	ServiceAccountFile string
	// TokenEndpoint overrides the key file's token_uri.
	TokenEndpoint string
	RefreshMargin time.Duration
}

type DeliveryConfig struct {
	Backend Backend
	// Endpoint is the FCM base URL; empty means production.
	Endpoint  string
	Timeout   time.Duration
	Priority  string
	ChannelID string
	DryRun    bool
}

type DispatchConfig struct {
	MaxConcurrency int
	RatePerSecond  float64
	Burst          int
}

type ReceiptsConfig struct {
	Enabled    bool
	Collection string
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID              string
	ListenAddr             string
	IdentityURL            string
	SubscriptionID         string
	SubscriptionDLQTopicID string
	NumPipelineWorkers     int

	CorsConfig  middleware.CorsConfig
	Redis       RedisConfig
	Credentials CredentialsConfig
	Delivery    DeliveryConfig
	Dispatch    DispatchConfig
	Receipts    ReceiptsConfig

	TopicID              string
	PubsubConsumerConfig *messagepipeline.GooglePubsubConsumerConfig
}

// PipelineEnabled reports whether Pub/Sub ingestion is configured.
func (c *Config) PipelineEnabled() bool {
	return c.SubscriptionID != ""
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	override := func(key string, apply func(string)) {
		if val := os.Getenv(key); val != "" {
			logger.Debug("Overriding config value", "key", key, "source", "env")
			apply(val)
		}
	}

	override("PROJECT_ID", func(v string) { cfg.ProjectID = v })
	override("PORT", func(v string) { cfg.ListenAddr = ":" + v })
	override("IDENTITY_SERVICE_URL", func(v string) { cfg.IdentityURL = v })
	override("SUBSCRIPTION_ID", func(v string) {
		cfg.SubscriptionID = v
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(v)
	})
	override("SUBSCRIPTION_DLQ_TOPIC_ID", func(v string) { cfg.SubscriptionDLQTopicID = v })

	var parseErrs []string
	intVar := func(key string, dst *int) {
		override(key, func(v string) {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				parseErrs = append(parseErrs, key)
				return
			}
			*dst = n
		})
	}
	durationVar := func(key string, dst *time.Duration) {
		override(key, func(v string) {
			d, err := time.ParseDuration(v)
			if err != nil || d < 0 {
				parseErrs = append(parseErrs, key)
				return
			}
			*dst = d
		})
	}

	intVar("NUM_PIPELINE_WORKERS", &cfg.NumPipelineWorkers)

	// Credentials & delivery
	override("GOOGLE_APPLICATION_CREDENTIALS", func(v string) { cfg.Credentials.ServiceAccountFile = v })
	override("TOKEN_ENDPOINT", func(v string) { cfg.Credentials.TokenEndpoint = v })
	override("FCM_ENDPOINT", func(v string) { cfg.Delivery.Endpoint = v })
	override("DELIVERY_BACKEND", func(v string) { cfg.Delivery.Backend = Backend(strings.ToLower(v)) })
	durationVar("PROVIDER_TIMEOUT", &cfg.Delivery.Timeout)

	// Dispatch
	intVar("DISPATCH_MAX_CONCURRENCY", &cfg.Dispatch.MaxConcurrency)
	override("DISPATCH_RATE_PER_SECOND", func(v string) {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r < 0 {
			parseErrs = append(parseErrs, "DISPATCH_RATE_PER_SECOND")
			return
		}
		cfg.Dispatch.RatePerSecond = r
	})

	// Redis Overrides
	override("REDIS_ADDR", func(v string) {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	})
	override("REDIS_PASSWORD", func(v string) { cfg.Redis.Password = v })
	intVar("REDIS_DB", &cfg.Redis.DB)
	override("REDIS_ENABLED", func(v string) {
		enabled, _ := strconv.ParseBool(v)
		cfg.Redis.Enabled = enabled
	})
	override("RECEIPTS_ENABLED", func(v string) {
		enabled, _ := strconv.ParseBool(v)
		cfg.Receipts.Enabled = enabled
	})

	// CORS Overrides
	override("CORS_ALLOWED_ORIGINS", func(v string) {
		var cleanOrigins []string
		for _, o := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.CorsConfig.AllowedOrigins = cleanOrigins
	})

	if len(parseErrs) > 0 {
		return nil, fmt.Errorf("invalid environment values: %s", strings.Join(parseErrs, ", "))
	}

	// 2. Defaults
	applyDefaults(cfg)

	// 3. Final Validation
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required (set via YAML or PROJECT_ID env var)")
	}
	if cfg.Credentials.ServiceAccountFile == "" {
		return nil, fmt.Errorf("credentials.service_account_file is required (set via YAML or GOOGLE_APPLICATION_CREDENTIALS env var)")
	}
	switch cfg.Delivery.Backend {
	case BackendHTTP, BackendSDK:
	default:
		return nil, fmt.Errorf("delivery.backend must be %q or %q, got %q", BackendHTTP, BackendSDK, cfg.Delivery.Backend)
	}
	if cfg.Redis.Enabled && !cfg.Receipts.Enabled {
		logger.Warn("Redis is enabled but receipts are not; the cache will be unused")
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.IdentityURL == "" {
		cfg.IdentityURL = DefaultIdentityURL
	}
	if cfg.NumPipelineWorkers <= 0 {
		cfg.NumPipelineWorkers = 1
	}
	if cfg.Delivery.Backend == "" {
		cfg.Delivery.Backend = BackendHTTP
	}
	if cfg.Delivery.Timeout <= 0 {
		cfg.Delivery.Timeout = DefaultTimeout
	}
	if cfg.Delivery.Priority == "" {
		cfg.Delivery.Priority = DefaultPriority
	}
	if cfg.Delivery.ChannelID == "" {
		cfg.Delivery.ChannelID = DefaultChannelID
	}
	if cfg.Credentials.RefreshMargin <= 0 {
		cfg.Credentials.RefreshMargin = DefaultRefreshMargin
	}
	if cfg.Dispatch.MaxConcurrency <= 0 {
		cfg.Dispatch.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = DefaultRedisTTL
	}
	if cfg.PubsubConsumerConfig == nil && cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}
}
