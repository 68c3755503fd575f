package config

import (
	"log/slog"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlRedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Enabled   bool          `yaml:"enabled"`
	TTL       time.Duration `yaml:"ttl"`
	KeyPrefix string        `yaml:"key_prefix"`
}

type YamlCredentialsConfig struct {
	ServiceAccountFile string        `yaml:"service_account_file"`
	TokenEndpoint      string        `yaml:"token_endpoint"`
	RefreshMargin      time.Duration `yaml:"refresh_margin"`
}

type YamlDeliveryConfig struct {
	Backend   string        `yaml:"backend"`
	Endpoint  string        `yaml:"endpoint"`
	Timeout   time.Duration `yaml:"timeout"`
	Priority  string        `yaml:"priority"`
	ChannelID string        `yaml:"channel_id"`
	DryRun    bool          `yaml:"dry_run"`
}

type YamlDispatchConfig struct {
	MaxConcurrency int     `yaml:"max_concurrency"`
	RatePerSecond  float64 `yaml:"rate_per_second"`
	Burst          int     `yaml:"burst"`
}

type YamlReceiptsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Collection string `yaml:"collection"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID              string                `yaml:"project_id"`
	ListenAddr             string                `yaml:"listen_addr"`
	IdentityURL            string                `yaml:"identity_url"`
	TopicID                string                `yaml:"topic_id"`
	SubscriptionID         string                `yaml:"subscription_id"`
	SubscriptionDLQTopicID string                `yaml:"subscription_dlq_topic_id"`
	NumPipelineWorkers     int                   `yaml:"num_pipeline_workers"`
	CorsConfig             YamlCorsConfig        `yaml:"cors"`
	RedisConfig            YamlRedisConfig       `yaml:"redis"`
	Credentials            YamlCredentialsConfig `yaml:"credentials"`
	Delivery               YamlDeliveryConfig    `yaml:"delivery"`
	Dispatch               YamlDispatchConfig    `yaml:"dispatch"`
	Receipts               YamlReceiptsConfig    `yaml:"receipts"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	cfg := &Config{
		ProjectID:   baseCfg.ProjectID,
		ListenAddr:  baseCfg.ListenAddr,
		IdentityURL: baseCfg.IdentityURL,
		TopicID:     baseCfg.TopicID,
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
		Redis: RedisConfig{
			Addr:      baseCfg.RedisConfig.Addr,
			Password:  baseCfg.RedisConfig.Password,
			DB:        baseCfg.RedisConfig.DB,
			Enabled:   baseCfg.RedisConfig.Enabled,
			TTL:       baseCfg.RedisConfig.TTL,
			KeyPrefix: baseCfg.RedisConfig.KeyPrefix,
		},
		Credentials: CredentialsConfig{
			ServiceAccountFile: baseCfg.Credentials.ServiceAccountFile,
			TokenEndpoint:      baseCfg.Credentials.TokenEndpoint,
			RefreshMargin:      baseCfg.Credentials.RefreshMargin,
		},
		Delivery: DeliveryConfig{
			Backend:   Backend(baseCfg.Delivery.Backend),
			Endpoint:  baseCfg.Delivery.Endpoint,
			Timeout:   baseCfg.Delivery.Timeout,
			Priority:  baseCfg.Delivery.Priority,
			ChannelID: baseCfg.Delivery.ChannelID,
			DryRun:    baseCfg.Delivery.DryRun,
		},
		Dispatch: DispatchConfig{
			MaxConcurrency: baseCfg.Dispatch.MaxConcurrency,
			RatePerSecond:  baseCfg.Dispatch.RatePerSecond,
			Burst:          baseCfg.Dispatch.Burst,
		},
		Receipts: ReceiptsConfig{
			Enabled:    baseCfg.Receipts.Enabled,
			Collection: baseCfg.Receipts.Collection,
		},
		SubscriptionID:         baseCfg.SubscriptionID,
		SubscriptionDLQTopicID: baseCfg.SubscriptionDLQTopicID,
		NumPipelineWorkers:     baseCfg.NumPipelineWorkers,
	}

	if cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"subscription_id", cfg.SubscriptionID,
		"delivery_backend", cfg.Delivery.Backend,
	)

	return cfg, nil
}
