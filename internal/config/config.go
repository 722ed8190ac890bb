/**
 * @description
 * This package handles configuration for the ledger service. It uses Viper to read
 * environment variables and an optional .env file, and can watch that file so a
 * running service picks up new rate limits without a restart.
 *
 * @dependencies
 * - github.com/spf13/viper: Configuration loading and binding.
 * - github.com/fsnotify/fsnotify: File change events delivered by viper.WatchConfig.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"

	defaultRateLimitPrefix = "ledger:rate_limit"
)

// Config holds all the configuration variables for the ledger-service.
type Config struct {
	ServerPort                string `mapstructure:"SERVER_PORT"`
	DatabaseURL               string `mapstructure:"DATABASE_URL"`
	StorageDriver             string `mapstructure:"STORAGE_DRIVER"`
	RabbitMQURL               string `mapstructure:"RABBITMQ_URL"`
	LedgerExchange            string `mapstructure:"LEDGER_EXCHANGE"`
	RedisURL                  string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix      string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	PostingRateLimitPerMinute int    `mapstructure:"POSTING_RATE_LIMIT_PER_MINUTE"`
	JWTSigningSecret          string `mapstructure:"JWT_SIGNING_SECRET"`
	JWKSURL                   string `mapstructure:"JWKS_URL"`
	JWTIssuer                 string `mapstructure:"JWT_ISSUER"`
	JWTAudience               string `mapstructure:"JWT_AUDIENCE"`
	CORSAllowedOrigins        string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	IBANCountryCode           string `mapstructure:"IBAN_COUNTRY_CODE"`
	IBANCheckDigits           string `mapstructure:"IBAN_CHECK_DIGITS"`
	BankProfiles              string `mapstructure:"BANK_PROFILES"`
	IdentifierMaxAttempts     int    `mapstructure:"IDENTIFIER_MAX_ATTEMPTS"`
	DailySummarySchedule      string `mapstructure:"DAILY_SUMMARY_SCHEDULE"`
	ReconciliationSchedule    string `mapstructure:"RECONCILIATION_SCHEDULE"`
	StoreTimeoutSeconds       int    `mapstructure:"STORE_TIMEOUT_SECONDS"`
}

// LoadConfig reads configuration from environment variables and an optional .env
// file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORAGE_DRIVER", StorageDriverPostgres)
	viper.SetDefault("LEDGER_EXCHANGE", "ledger.events")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRateLimitPrefix)
	viper.SetDefault("POSTING_RATE_LIMIT_PER_MINUTE", 60)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("IBAN_COUNTRY_CODE", "CG")
	viper.SetDefault("IDENTIFIER_MAX_ATTEMPTS", 5)
	viper.SetDefault("DAILY_SUMMARY_SCHEDULE", "5 0 * * *")
	viper.SetDefault("RECONCILIATION_SCHEDULE", "*/30 * * * *")
	viper.SetDefault("STORE_TIMEOUT_SECONDS", 10)

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL", "DATABASE_URL", "LEDGER_DATABASE_URL")
	_ = viper.BindEnv("STORAGE_DRIVER")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("LEDGER_EXCHANGE")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LEDGER_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("POSTING_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("JWT_SIGNING_SECRET")
	_ = viper.BindEnv("JWKS_URL", "JWKS_URL", "CLERK_JWKS_URL")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("JWT_AUDIENCE")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("IBAN_COUNTRY_CODE")
	_ = viper.BindEnv("IBAN_CHECK_DIGITS")
	_ = viper.BindEnv("BANK_PROFILES")
	_ = viper.BindEnv("IDENTIFIER_MAX_ATTEMPTS")
	_ = viper.BindEnv("DAILY_SUMMARY_SCHEDULE")
	_ = viper.BindEnv("RECONCILIATION_SCHEDULE")
	_ = viper.BindEnv("STORE_TIMEOUT_SECONDS")

	// A missing .env file is fine; everything can come from the environment.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	return current()
}

// current unmarshals whatever viper holds right now and normalises it.
func current() (config Config, err error) {
	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	config.StorageDriver = strings.ToLower(strings.TrimSpace(config.StorageDriver))
	switch config.StorageDriver {
	case StorageDriverPostgres, StorageDriverMemory:
	default:
		log.Printf("level=warn component=config msg=\"unknown storage driver; using postgres\" driver=%q", config.StorageDriver)
		config.StorageDriver = StorageDriverPostgres
	}

	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.JWKSURL = strings.TrimSpace(config.JWKSURL)
	config.LedgerExchange = strings.TrimSpace(config.LedgerExchange)
	if config.LedgerExchange == "" {
		config.LedgerExchange = "ledger.events"
	}
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = defaultRateLimitPrefix
	}
	if config.PostingRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative posting rate limit; disabling\" value=%d", config.PostingRateLimitPerMinute)
		config.PostingRateLimitPerMinute = 0
	}

	config.IBANCountryCode = strings.ToUpper(strings.TrimSpace(config.IBANCountryCode))
	config.IBANCheckDigits = strings.TrimSpace(config.IBANCheckDigits)
	if config.IdentifierMaxAttempts < 1 {
		config.IdentifierMaxAttempts = 5
	}
	if config.StoreTimeoutSeconds < 1 {
		config.StoreTimeoutSeconds = 10
	}
	return config, nil
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func (c Config) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutSeconds) * time.Second
}

// Watch calls onChange with the reloaded configuration every time the .env file
// changes. It returns false when no config file was loaded, in which case there
// is nothing to watch.
func Watch(onChange func(Config)) bool {
	if viper.ConfigFileUsed() == "" {
		return false
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := current()
		if err != nil {
			log.Printf("level=error component=config msg=\"reload failed\" file=%s err=%v", e.Name, err)
			return
		}
		log.Printf("level=info component=config msg=\"config reloaded\" file=%s op=%s", e.Name, e.Op)
		onChange(cfg)
	})
	viper.WatchConfig()
	return true
}
