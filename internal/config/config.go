// internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Environment string
	Server      ServerConfig
	Database    DatabaseConfig
	Store       StoreConfig
	JWT         JWTConfig
	Redis       RedisConfig
	RabbitMQ    RabbitMQConfig
	AWS         AWSConfig
	Ledger      LedgerConfig
	Fees        FeeConfig
	Settlement  SettlementConfig
	Downloads   DownloadConfig
	Reputation  ReputationConfig
	Scheduler   SchedulerConfig
	I18n        I18nConfig
	Log         LogConfig
}

type ServerConfig struct {
	Port         string
	Host         string
	ReadTimeout  int
	WriteTimeout int
	IdleTimeout  int
	PublicURL    string
	CORSOrigins  []string
	RateLimitRPS int
	RateBurst    int
}

type DatabaseConfig struct {
	Host         string
	Port         string
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  int
	LogLevel     string
}

// StoreConfig selects the repository backend. "memory" is meant for local runs only.
type StoreConfig struct {
	Driver string
}

type JWTConfig struct {
	SecretKey      string
	AccessTokenTTL int // in hours
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

func (r RedisConfig) Enabled() bool {
	return r.Host != ""
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

type RabbitMQConfig struct {
	URL      string
	Exchange string
}

type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	S3Bucket        string
	Endpoint        string
}

type LedgerConfig struct {
	Mode            string
	RPCURL          string
	SignerURL       string
	PlatformAddress string
	RewardCurrency  string
}

// FeeConfig holds the global platform/seller split. Shares are decimal strings so
// the split can be validated exactly.
type FeeConfig struct {
	PlatformShare  string
	SellerShare    string
	MinPriceUnits  int64
	MaxPriceUnits  int64
	CurrencyScale  int32
	CurrencySymbol string
}

type SettlementConfig struct {
	ReleaseMaxAttempts   int
	PayoutMaxAttempts    int
	CredentialMaxAttempt int
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	BackoffMultiplier    float64
	LedgerCallTimeout    time.Duration
	ConfirmTimeout       time.Duration
	ConfirmPollInterval  time.Duration
	EscrowFinishAfter    time.Duration
	EscrowCancelAfter    time.Duration
	StaleSubmissionAfter time.Duration
	MemoSecret           string
	ReconcileBatchSize   int
}

type DownloadConfig struct {
	TokenTTL        time.Duration
	MaxAttempts     int
	URLTTL          time.Duration
	PurgeAfter      time.Duration
	RateLimitPerMin int
}

type ReputationConfig struct {
	BaseReward int64
	FirstBonus int64
	MaxRating  int
}

type SchedulerConfig struct {
	Enabled              bool
	ReconcileSchedule    string
	TokenCleanupSchedule string
	TokenPurgeSchedule   string
	JobTimeout           time.Duration
}

type I18nConfig struct {
	DefaultLocale string
	LocalesPath   string
}

type LogConfig struct {
	Level  string
	Format string
}

const defaultJWTSecret = "your-secret-key-change-in-production"

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	config := &Config{
		Environment: v.GetString("ENVIRONMENT"),
		Server: ServerConfig{
			Port:         v.GetString("SERVER_PORT"),
			Host:         v.GetString("SERVER_HOST"),
			ReadTimeout:  v.GetInt("SERVER_READ_TIMEOUT"),
			WriteTimeout: v.GetInt("SERVER_WRITE_TIMEOUT"),
			IdleTimeout:  v.GetInt("SERVER_IDLE_TIMEOUT"),
			PublicURL:    strings.TrimSuffix(v.GetString("PUBLIC_URL"), "/"),
			CORSOrigins:  splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
			RateLimitRPS: v.GetInt("RATE_LIMIT_RPS"),
			RateBurst:    v.GetInt("RATE_LIMIT_BURST"),
		},
		Database: DatabaseConfig{
			Host:         v.GetString("DB_HOST"),
			Port:         v.GetString("DB_PORT"),
			User:         v.GetString("DB_USER"),
			Password:     v.GetString("DB_PASSWORD"),
			Database:     v.GetString("DB_NAME"),
			SSLMode:      v.GetString("DB_SSL_MODE"),
			MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
			MaxLifetime:  v.GetInt("DB_MAX_LIFETIME"),
			LogLevel:     v.GetString("DB_LOG_LEVEL"),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(v.GetString("STORE_DRIVER")),
		},
		JWT: JWTConfig{
			SecretKey:      v.GetString("JWT_SECRET"),
			AccessTokenTTL: v.GetInt("JWT_ACCESS_TTL"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("REDIS_HOST"),
			Port:     v.GetString("REDIS_PORT"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		RabbitMQ: RabbitMQConfig{
			URL:      v.GetString("RABBITMQ_URL"),
			Exchange: v.GetString("RABBITMQ_EXCHANGE"),
		},
		AWS: AWSConfig{
			Region:          v.GetString("AWS_REGION"),
			AccessKeyID:     v.GetString("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: v.GetString("AWS_SECRET_ACCESS_KEY"),
			S3Bucket:        v.GetString("AWS_S3_BUCKET"),
			Endpoint:        v.GetString("AWS_S3_ENDPOINT"),
		},
		Ledger: LedgerConfig{
			Mode:            strings.ToLower(v.GetString("LEDGER_MODE")),
			RPCURL:          v.GetString("LEDGER_RPC_URL"),
			SignerURL:       v.GetString("LEDGER_SIGNER_URL"),
			PlatformAddress: v.GetString("PLATFORM_ADDRESS"),
			RewardCurrency:  v.GetString("REWARD_CURRENCY"),
		},
		Fees: FeeConfig{
			PlatformShare:  v.GetString("PLATFORM_FEE_SHARE"),
			SellerShare:    v.GetString("SELLER_SHARE"),
			MinPriceUnits:  v.GetInt64("MIN_PRICE_UNITS"),
			MaxPriceUnits:  v.GetInt64("MAX_PRICE_UNITS"),
			CurrencyScale:  v.GetInt32("CURRENCY_SCALE"),
			CurrencySymbol: v.GetString("CURRENCY_SYMBOL"),
		},
		Settlement: SettlementConfig{
			ReleaseMaxAttempts:   v.GetInt("RELEASE_MAX_ATTEMPTS"),
			PayoutMaxAttempts:    v.GetInt("PAYOUT_MAX_ATTEMPTS"),
			CredentialMaxAttempt: v.GetInt("CREDENTIAL_MAX_ATTEMPTS"),
			InitialBackoff:       v.GetDuration("RETRY_INITIAL_BACKOFF"),
			MaxBackoff:           v.GetDuration("RETRY_MAX_BACKOFF"),
			BackoffMultiplier:    v.GetFloat64("RETRY_MULTIPLIER"),
			LedgerCallTimeout:    v.GetDuration("LEDGER_CALL_TIMEOUT"),
			ConfirmTimeout:       v.GetDuration("CONFIRM_TIMEOUT"),
			ConfirmPollInterval:  v.GetDuration("CONFIRM_POLL_INTERVAL"),
			EscrowFinishAfter:    v.GetDuration("ESCROW_FINISH_AFTER"),
			EscrowCancelAfter:    v.GetDuration("ESCROW_CANCEL_AFTER"),
			StaleSubmissionAfter: v.GetDuration("STALE_SUBMISSION_AFTER"),
			MemoSecret:           v.GetString("MEMO_SECRET"),
			ReconcileBatchSize:   v.GetInt("RECONCILE_BATCH_SIZE"),
		},
		Downloads: DownloadConfig{
			TokenTTL:        v.GetDuration("DOWNLOAD_TOKEN_TTL"),
			MaxAttempts:     v.GetInt("DOWNLOAD_MAX_ATTEMPTS"),
			URLTTL:          v.GetDuration("DOWNLOAD_URL_TTL"),
			PurgeAfter:      v.GetDuration("DOWNLOAD_PURGE_AFTER"),
			RateLimitPerMin: v.GetInt("DOWNLOAD_RATE_LIMIT"),
		},
		Reputation: ReputationConfig{
			BaseReward: v.GetInt64("REPUTATION_BASE_REWARD"),
			FirstBonus: v.GetInt64("REPUTATION_FIRST_BONUS"),
			MaxRating:  v.GetInt("REPUTATION_MAX_RATING"),
		},
		Scheduler: SchedulerConfig{
			Enabled:              v.GetBool("SCHEDULER_ENABLED"),
			ReconcileSchedule:    v.GetString("RECONCILE_SCHEDULE"),
			TokenCleanupSchedule: v.GetString("TOKEN_CLEANUP_SCHEDULE"),
			TokenPurgeSchedule:   v.GetString("TOKEN_PURGE_SCHEDULE"),
			JobTimeout:           v.GetDuration("SCHEDULER_JOB_TIMEOUT"),
		},
		I18n: I18nConfig{
			DefaultLocale: v.GetString("DEFAULT_LOCALE"),
			LocalesPath:   v.GetString("LOCALES_PATH"),
		},
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
	}

	return config, config.Validate()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENVIRONMENT", "development")

	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("SERVER_HOST", "localhost")
	v.SetDefault("SERVER_READ_TIMEOUT", 15)
	v.SetDefault("SERVER_WRITE_TIMEOUT", 30)
	v.SetDefault("SERVER_IDLE_TIMEOUT", 60)
	v.SetDefault("PUBLIC_URL", "http://localhost:8080")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 10)
	v.SetDefault("RATE_LIMIT_BURST", 20)

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "")
	v.SetDefault("DB_NAME", "asset_market")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 25)
	v.SetDefault("DB_MAX_IDLE_CONNS", 25)
	v.SetDefault("DB_MAX_LIFETIME", 300)
	v.SetDefault("DB_LOG_LEVEL", "warn")
	v.SetDefault("STORE_DRIVER", "postgres")

	v.SetDefault("JWT_SECRET", defaultJWTSecret)
	v.SetDefault("JWT_ACCESS_TTL", 24)

	v.SetDefault("REDIS_HOST", "")
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("RABBITMQ_URL", "")
	v.SetDefault("RABBITMQ_EXCHANGE", "settlement.events")

	v.SetDefault("AWS_REGION", "us-east-1")
	v.SetDefault("AWS_S3_BUCKET", "asset-market-content")

	v.SetDefault("LEDGER_MODE", "simulated")
	v.SetDefault("PLATFORM_ADDRESS", "rPLatFeeSett1eMentAccountXXXX")
	v.SetDefault("REWARD_CURRENCY", "REP")

	v.SetDefault("PLATFORM_FEE_SHARE", "0.30")
	v.SetDefault("SELLER_SHARE", "0.70")
	v.SetDefault("MIN_PRICE_UNITS", 1)
	v.SetDefault("MAX_PRICE_UNITS", int64(100_000_000_000))
	v.SetDefault("CURRENCY_SCALE", 6)
	v.SetDefault("CURRENCY_SYMBOL", "XRP")

	v.SetDefault("RELEASE_MAX_ATTEMPTS", 5)
	v.SetDefault("PAYOUT_MAX_ATTEMPTS", 5)
	v.SetDefault("CREDENTIAL_MAX_ATTEMPTS", 3)
	v.SetDefault("RETRY_INITIAL_BACKOFF", "500ms")
	v.SetDefault("RETRY_MAX_BACKOFF", "10s")
	v.SetDefault("RETRY_MULTIPLIER", 2.0)
	v.SetDefault("LEDGER_CALL_TIMEOUT", "10s")
	v.SetDefault("CONFIRM_TIMEOUT", "20s")
	v.SetDefault("CONFIRM_POLL_INTERVAL", "1s")
	v.SetDefault("ESCROW_FINISH_AFTER", "2m")
	v.SetDefault("ESCROW_CANCEL_AFTER", "72h")
	v.SetDefault("STALE_SUBMISSION_AFTER", "10m")
	v.SetDefault("MEMO_SECRET", "")
	v.SetDefault("RECONCILE_BATCH_SIZE", 100)

	v.SetDefault("DOWNLOAD_TOKEN_TTL", "24h")
	v.SetDefault("DOWNLOAD_MAX_ATTEMPTS", 3)
	v.SetDefault("DOWNLOAD_URL_TTL", "5m")
	v.SetDefault("DOWNLOAD_PURGE_AFTER", "720h")
	v.SetDefault("DOWNLOAD_RATE_LIMIT", 30)

	v.SetDefault("REPUTATION_BASE_REWARD", 10)
	v.SetDefault("REPUTATION_FIRST_BONUS", 5)
	v.SetDefault("REPUTATION_MAX_RATING", 5)

	v.SetDefault("SCHEDULER_ENABLED", true)
	v.SetDefault("RECONCILE_SCHEDULE", "@every 1m")
	v.SetDefault("TOKEN_CLEANUP_SCHEDULE", "@every 10m")
	v.SetDefault("TOKEN_PURGE_SCHEDULE", "@daily")
	v.SetDefault("SCHEDULER_JOB_TIMEOUT", "2m")

	v.SetDefault("DEFAULT_LOCALE", "en")
	v.SetDefault("LOCALES_PATH", "./internal/i18n/locales")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) Validate() error {
	if c.JWT.SecretKey == defaultJWTSecret && c.Environment == "production" {
		return fmt.Errorf("JWT secret key must be changed in production")
	}

	if c.Database.Password == "" && c.Environment == "production" && c.Store.Driver == "postgres" {
		return fmt.Errorf("database password is required in production")
	}

	if c.Store.Driver != "postgres" && c.Store.Driver != "memory" {
		return fmt.Errorf("unsupported store driver %q", c.Store.Driver)
	}

	if c.Ledger.Mode != "simulated" && c.Ledger.Mode != "rpc" {
		return fmt.Errorf("unsupported ledger mode %q", c.Ledger.Mode)
	}
	if c.Ledger.Mode == "rpc" && c.Ledger.RPCURL == "" {
		return fmt.Errorf("LEDGER_RPC_URL is required when LEDGER_MODE=rpc")
	}
	if c.Ledger.PlatformAddress == "" {
		return fmt.Errorf("platform address is required")
	}

	if err := c.Fees.Validate(); err != nil {
		return err
	}
	if err := c.Settlement.Validate(); err != nil {
		return err
	}
	if err := c.Downloads.Validate(); err != nil {
		return err
	}

	if c.Reputation.MaxRating < 1 {
		return fmt.Errorf("REPUTATION_MAX_RATING must be at least 1")
	}
	if c.Reputation.BaseReward < 0 || c.Reputation.FirstBonus < 0 {
		return fmt.Errorf("reputation rewards must not be negative")
	}

	return nil
}

// Shares parses the configured split. Both shares must lie in [0, 1] and sum to exactly 1.
func (f FeeConfig) Shares() (platform, seller decimal.Decimal, err error) {
	platform, err = decimal.NewFromString(f.PlatformShare)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("invalid PLATFORM_FEE_SHARE %q: %w", f.PlatformShare, err)
	}
	seller, err = decimal.NewFromString(f.SellerShare)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("invalid SELLER_SHARE %q: %w", f.SellerShare, err)
	}

	one := decimal.NewFromInt(1)
	if platform.IsNegative() || seller.IsNegative() || platform.GreaterThan(one) || seller.GreaterThan(one) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("fee shares must be between 0 and 1")
	}
	if !platform.Add(seller).Equal(one) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("fee shares must sum to 1, got %s + %s", platform, seller)
	}

	return platform, seller, nil
}

func (f FeeConfig) Validate() error {
	if _, _, err := f.Shares(); err != nil {
		return err
	}
	if f.MinPriceUnits < 1 {
		return fmt.Errorf("MIN_PRICE_UNITS must be positive")
	}
	if f.MaxPriceUnits < f.MinPriceUnits {
		return fmt.Errorf("MAX_PRICE_UNITS must not be below MIN_PRICE_UNITS")
	}
	if f.CurrencyScale < 0 || f.CurrencyScale > 18 {
		return fmt.Errorf("CURRENCY_SCALE must be between 0 and 18")
	}
	return nil
}

func (s SettlementConfig) Validate() error {
	if s.ReleaseMaxAttempts < 1 || s.PayoutMaxAttempts < 1 || s.CredentialMaxAttempt < 1 {
		return fmt.Errorf("settlement retry ceilings must be at least 1")
	}
	if s.InitialBackoff < 0 || s.MaxBackoff < s.InitialBackoff {
		return fmt.Errorf("invalid settlement backoff bounds")
	}
	if s.BackoffMultiplier < 1 {
		return fmt.Errorf("RETRY_MULTIPLIER must be at least 1")
	}
	if s.EscrowCancelAfter <= s.EscrowFinishAfter {
		return fmt.Errorf("ESCROW_CANCEL_AFTER must be later than ESCROW_FINISH_AFTER")
	}
	if s.LedgerCallTimeout <= 0 || s.ConfirmTimeout <= 0 || s.ConfirmPollInterval <= 0 {
		return fmt.Errorf("ledger timeouts must be positive")
	}
	return nil
}

func (d DownloadConfig) Validate() error {
	if d.TokenTTL <= 0 {
		return fmt.Errorf("DOWNLOAD_TOKEN_TTL must be positive")
	}
	if d.MaxAttempts < 1 {
		return fmt.Errorf("DOWNLOAD_MAX_ATTEMPTS must be at least 1")
	}
	if d.URLTTL <= 0 {
		return fmt.Errorf("DOWNLOAD_URL_TTL must be positive")
	}
	return nil
}
