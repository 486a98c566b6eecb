/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables and an optional
 * .env file.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultRateLimitPrefix = "cashdesk:rate_limit"
	defaultEventExchange   = "clinic.events"
	defaultRelaySchedule   = "@every 5s"
)

// Config holds all the configuration variables for the cashdesk-service.
type Config struct {
	ServerPort                       string `mapstructure:"SERVER_PORT"`
	DatabaseURL                      string `mapstructure:"DATABASE_URL"`
	RedisURL                         string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix             string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                      string `mapstructure:"RABBITMQ_URL"`
	EventExchange                    string `mapstructure:"EVENT_EXCHANGE"`
	PaymentEventQueue                string `mapstructure:"PAYMENT_EVENT_QUEUE"`
	JWTSecret                        string `mapstructure:"JWT_SECRET"`
	JWTIssuer                        string `mapstructure:"JWT_ISSUER"`
	CORSAllowedOrigins               string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	PinMaxAttempts                   int    `mapstructure:"PIN_MAX_ATTEMPTS"`
	PinLockoutSeconds                int    `mapstructure:"PIN_LOCKOUT_SECONDS"`
	PinArgon2MemoryKB                uint32 `mapstructure:"PIN_ARGON2_MEMORY_KB"`
	PinArgon2Time                    uint32 `mapstructure:"PIN_ARGON2_TIME"`
	PinVerifyRateLimitPerMinute      int    `mapstructure:"PIN_VERIFY_RATE_LIMIT_PER_MINUTE"`
	CashMaxDifferenceWithoutApproval int64  `mapstructure:"CASH_MAX_DIFFERENCE_WITHOUT_APPROVAL"`
	BlindClosing                     bool   `mapstructure:"BLIND_CLOSING"`
	OutboxRelaySchedule              string `mapstructure:"OUTBOX_RELAY_SCHEDULE"`
	RunMigrations                    bool   `mapstructure:"RUN_MIGRATIONS"`
}

// PinLockout is the configured lockout as a duration.
func (c Config) PinLockout() time.Duration {
	return time.Duration(c.PinLockoutSeconds) * time.Second
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
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
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRateLimitPrefix)
	viper.SetDefault("EVENT_EXCHANGE", defaultEventExchange)
	viper.SetDefault("PAYMENT_EVENT_QUEUE", "cashdesk_service.payment_events")
	viper.SetDefault("JWT_ISSUER", "clinicpro")
	viper.SetDefault("PIN_MAX_ATTEMPTS", 3)
	viper.SetDefault("PIN_LOCKOUT_SECONDS", 900)
	viper.SetDefault("PIN_ARGON2_MEMORY_KB", 64*1024)
	viper.SetDefault("PIN_ARGON2_TIME", 3)
	viper.SetDefault("PIN_VERIFY_RATE_LIMIT_PER_MINUTE", 20)
	viper.SetDefault("CASH_MAX_DIFFERENCE_WITHOUT_APPROVAL", 1000)
	viper.SetDefault("BLIND_CLOSING", true)
	viper.SetDefault("OUTBOX_RELAY_SCHEDULE", defaultRelaySchedule)
	viper.SetDefault("RUN_MIGRATIONS", true)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "CASHDESK_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENT_EXCHANGE")
	_ = viper.BindEnv("PAYMENT_EVENT_QUEUE")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("PIN_MAX_ATTEMPTS")
	_ = viper.BindEnv("PIN_LOCKOUT_SECONDS")
	_ = viper.BindEnv("PIN_ARGON2_MEMORY_KB")
	_ = viper.BindEnv("PIN_ARGON2_TIME")
	_ = viper.BindEnv("PIN_VERIFY_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("CASH_MAX_DIFFERENCE_WITHOUT_APPROVAL")
	_ = viper.BindEnv("CASH_MAX_DIFFERENCE_WITHOUT_APPROVAL_REAIS")
	_ = viper.BindEnv("BLIND_CLOSING")
	_ = viper.BindEnv("OUTBOX_RELAY_SCHEDULE")
	_ = viper.BindEnv("RUN_MIGRATIONS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = defaultRateLimitPrefix
	}
	config.EventExchange = strings.TrimSpace(config.EventExchange)
	if config.EventExchange == "" {
		config.EventExchange = defaultEventExchange
	}
	if strings.TrimSpace(config.OutboxRelaySchedule) == "" {
		config.OutboxRelaySchedule = defaultRelaySchedule
	}

	// Allow specifying the threshold in whole currency units.
	if viper.IsSet("CASH_MAX_DIFFERENCE_WITHOUT_APPROVAL_REAIS") {
		raw := strings.TrimSpace(viper.GetString("CASH_MAX_DIFFERENCE_WITHOUT_APPROVAL_REAIS"))
		if raw != "" {
			value, parseErr := strconv.ParseFloat(raw, 64)
			if parseErr != nil {
				log.Printf("level=warn component=config msg=\"invalid CASH_MAX_DIFFERENCE_WITHOUT_APPROVAL_REAIS\" value=%q err=%v", raw, parseErr)
			} else {
				config.CashMaxDifferenceWithoutApproval = int64(math.Round(value * 100))
			}
		}
	}
	if config.CashMaxDifferenceWithoutApproval < 0 {
		log.Printf("level=warn component=config msg=\"negative cash difference threshold configured; coercing to zero\" value=%d", config.CashMaxDifferenceWithoutApproval)
		config.CashMaxDifferenceWithoutApproval = 0
	}

	if config.PinMaxAttempts <= 0 {
		config.PinMaxAttempts = 3
	}
	if config.PinLockoutSeconds <= 0 {
		config.PinLockoutSeconds = 900
	}
	if config.PinVerifyRateLimitPerMinute < 0 {
		config.PinVerifyRateLimitPerMinute = 0
	}
	if strings.TrimSpace(config.JWTSecret) == "" {
		log.Printf("level=warn component=config msg=\"JWT_SECRET is empty; authenticated routes will reject every request\"")
	}

	return
}
