package config

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/gregtusar/tradepipe/pkg/models"
	"github.com/gregtusar/tradepipe/pkg/notify"
	"github.com/gregtusar/tradepipe/pkg/secrets"
	"github.com/gregtusar/tradepipe/pkg/store"
)

type Config struct {
	Mode     string         `mapstructure:"mode"`
	Symbols  []string       `mapstructure:"symbols"`
	Run      RunConfig      `mapstructure:"run"`
	Signal   SignalConfig   `mapstructure:"signal"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Store    StoreConfig    `mapstructure:"store"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	GCP      GCPConfig      `mapstructure:"gcp"`
}

type RunConfig struct {
	Key     string        `mapstructure:"key"`
	LockTTL time.Duration `mapstructure:"lock_ttl"`
	// Scheduled runs under `serve`; 0 disables
	Interval          time.Duration `mapstructure:"interval"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
}

type SignalConfig struct {
	Engine      string             `mapstructure:"engine"`
	FixedScores map[string]float64 `mapstructure:"fixed_scores"`
	// nil when not configured; 0 is a valid threshold
	Threshold *float64 `mapstructure:"threshold"`
}

type RiskConfig struct {
	SizeCap *float64 `mapstructure:"size_cap"`
}

type PolicyConfig struct {
	// nil means not configured; an empty list allows every symbol
	Allowlist []string `mapstructure:"allowlist"`
	Window    string   `mapstructure:"window"`
}

type SnapshotConfig struct {
	Source      string             `mapstructure:"source"`
	PaperPrices map[string]float64 `mapstructure:"paper_prices"`
	Concurrency int                `mapstructure:"concurrency"`
	Timeout     time.Duration      `mapstructure:"timeout"`
	RatePerSec  float64            `mapstructure:"rate_per_sec"`
}

type BrokerConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Passphrase  string        `mapstructure:"passphrase"`
	Concurrency int           `mapstructure:"concurrency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type NotifyConfig struct {
	Method   string                `mapstructure:"method"`
	Telegram notify.TelegramConfig `mapstructure:"telegram"`
}

type StoreConfig struct {
	Driver     string               `mapstructure:"driver"`
	SQLitePath string               `mapstructure:"sqlite_path"`
	Postgres   store.PostgresConfig `mapstructure:"postgres"`
}

type PipelineConfig struct {
	RefuseUnpricedLive bool `mapstructure:"refuse_unpriced_live"`
}

type ServerConfig struct {
	Port       int    `mapstructure:"port"`
	AuthSecret string `mapstructure:"auth_secret"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

// keys that may be supplied only through TRADEPIPE_* variables
var envKeys = []string{
	"mode", "symbols", "run.key", "run.lock_ttl",
	"signal.engine", "signal.threshold", "risk.size_cap",
	"policy.allowlist", "policy.window",
	"snapshot.source", "broker.base_url",
	"notify.method", "store.driver", "store.sqlite_path",
	"server.port", "server.auth_secret",
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/tradepipe")
	}

	v.SetEnvPrefix("TRADEPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// yaml "allowlist: []" must stay distinguishable from a missing key
	if v.IsSet("policy.allowlist") && config.Policy.Allowlist == nil {
		config.Policy.Allowlist = []string{}
	}
	if !v.IsSet("signal.threshold") || v.Get("signal.threshold") == nil {
		config.Signal.Threshold = nil
	}
	if !v.IsSet("risk.size_cap") || v.Get("risk.size_cap") == nil {
		config.Risk.SizeCap = nil
	}

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		logger := logrus.New()
		if err := loadSecretsFromGCP(ctx, &config, logger); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", string(models.ModePaper))
	v.SetDefault("symbols", []string{})

	v.SetDefault("run.key", "default")
	v.SetDefault("run.lock_ttl", 5*time.Minute)
	v.SetDefault("run.interval", time.Duration(0))
	v.SetDefault("run.reconcile_interval", time.Duration(0))

	v.SetDefault("signal.engine", "hash")

	v.SetDefault("snapshot.source", "paper")
	v.SetDefault("snapshot.concurrency", 4)
	v.SetDefault("snapshot.timeout", 10*time.Second)
	v.SetDefault("snapshot.rate_per_sec", 5.0)

	v.SetDefault("broker.base_url", "https://api.onetrading.com/fast/v1")
	v.SetDefault("broker.concurrency", 2)
	v.SetDefault("broker.timeout", 15*time.Second)

	v.SetDefault("notify.method", "log")
	v.SetDefault("notify.telegram.timeout", 10*time.Second)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "./data/tradepipe.db")
	v.SetDefault("store.postgres.host", "localhost")
	v.SetDefault("store.postgres.port", 5432)
	v.SetDefault("store.postgres.name", "tradepipe")
	v.SetDefault("store.postgres.user", "tradepipe")
	v.SetDefault("store.postgres.ssl_mode", "prefer")
	v.SetDefault("store.postgres.min_conns", 1)
	v.SetDefault("store.postgres.max_conns", 10)

	v.SetDefault("pipeline.refuse_unpriced_live", true)

	v.SetDefault("server.port", 8080)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")

	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.onetrading_api_key", secretNames.OneTradingAPIKey)
	v.SetDefault("gcp.secret_names.onetrading_passphrase", secretNames.OneTradingPassphrase)
	v.SetDefault("gcp.secret_names.telegram_bot_token", secretNames.TelegramBotToken)
	v.SetDefault("gcp.secret_names.telegram_chat_id", secretNames.TelegramChatID)
	v.SetDefault("gcp.secret_names.database_password", secretNames.DatabasePassword)
	v.SetDefault("gcp.secret_names.auth_secret", secretNames.AuthSecret)
}

func overrideFromEnv(config *Config) {
	if apiKey := os.Getenv("ONETRADING_API_KEY"); apiKey != "" {
		config.Broker.APIKey = apiKey
	}
	if passphrase := os.Getenv("ONETRADING_PASSPHRASE"); passphrase != "" {
		config.Broker.Passphrase = passphrase
	}

	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		config.Notify.Telegram.BotToken = token
	}
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		config.Notify.Telegram.ChatID = chatID
	}

	if password := os.Getenv("TRADEPIPE_DB_PASSWORD"); password != "" {
		config.Store.Postgres.Password = password
	}

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

// Validate checks values that must be well-formed before anything runs.
// Missing pipeline parameters (threshold, size cap, allowlist) are not
// errors here; the pipeline reports them per run.
func (c *Config) Validate() error {
	if _, err := models.ParseMode(c.Mode); err != nil {
		return err
	}
	if c.Run.LockTTL <= 0 {
		return fmt.Errorf("run.lock_ttl must be positive, got %s", c.Run.LockTTL)
	}
	for sym, px := range c.Snapshot.PaperPrices {
		if px < 0 || math.IsNaN(px) || math.IsInf(px, 0) {
			return fmt.Errorf("snapshot.paper_prices.%s must be a finite price >= 0, got %v", sym, px)
		}
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.Postgres.Host == "" || c.Store.Postgres.Name == "" {
			return errors.New("store.postgres.host and store.postgres.name are required")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	return nil
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	// Only load secrets if they're not already set
	fill := func(dst *string, name string) {
		if *dst == "" {
			*dst = secretManager.GetSecretWithDefault(ctx, name, "")
		}
	}
	names := config.GCP.SecretNames
	fill(&config.Broker.APIKey, names.OneTradingAPIKey)
	fill(&config.Broker.Passphrase, names.OneTradingPassphrase)
	fill(&config.Notify.Telegram.BotToken, names.TelegramBotToken)
	fill(&config.Notify.Telegram.ChatID, names.TelegramChatID)
	fill(&config.Server.AuthSecret, names.AuthSecret)
	if config.Store.Driver == "postgres" {
		fill(&config.Store.Postgres.Password, names.DatabasePassword)
	}

	logger.Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}
