// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultJWTSecret = "your-secret-key-change-in-production"

type Config struct {
	Environment string
	Server      ServerConfig
	Database    DatabaseConfig
	JWT         JWTConfig
	Redis       RedisConfig
	AWS         AWSConfig
	Ledger      LedgerConfig
	Reconciler  ReconcilerConfig
	Payment     PaymentConfig
	Email       EmailConfig
	I18n        I18nConfig
	CORS        CORSConfig
}

type ServerConfig struct {
	Port         string
	Host         string
	ReadTimeout  int
	WriteTimeout int
	IdleTimeout  int
	LogLevel     string
	// AdminPassword seeds the system administrator on first start.
	AdminPassword string
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

type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	S3Bucket        string
	CertificatePath string
}

const (
	LedgerModeSimulated = "simulated"
	LedgerModeEthereum  = "ethereum"
)

type LedgerConfig struct {
	Mode                 string
	Network              string
	RPCURL               string
	ChainID              int64
	TokenContract        string
	AccessControlAddress string
	OperatorKey          string
	CallTimeout          time.Duration
	// VerifyConfirmations looks up client-submitted tx hashes before applying them.
	VerifyConfirmations bool
	SimulatedFirstToken uint64
}

type ReconcilerConfig struct {
	Enabled    bool
	Interval   time.Duration
	LockTTL    time.Duration
	BatchSize  int
	StaleAfter time.Duration
}

type PaymentConfig struct {
	StripeSecretKey string
	Currency        string
}

type EmailConfig struct {
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	FromEmail    string
	FromName     string
}

type I18nConfig struct {
	DefaultLocale string
	LocalesPath   string
}

type CORSConfig struct {
	AllowedOrigins []string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	godotenv.Load()

	config := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "8080"),
			Host:         getEnv("SERVER_HOST", "localhost"),
			ReadTimeout:  getEnvAsInt("SERVER_READ_TIMEOUT", 15),
			WriteTimeout: getEnvAsInt("SERVER_WRITE_TIMEOUT", 90),
			IdleTimeout:  getEnvAsInt("SERVER_IDLE_TIMEOUT", 60),
			LogLevel:     getEnv("LOG_LEVEL", "info"),

			AdminPassword: getEnv("ADMIN_PASSWORD", ""),
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnv("DB_PORT", "5432"),
			User:         getEnv("DB_USER", "postgres"),
			Password:     getEnv("DB_PASSWORD", ""),
			Database:     getEnv("DB_NAME", "pharma_custody"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 25),
			MaxLifetime:  getEnvAsInt("DB_MAX_LIFETIME", 300),
			LogLevel:     getEnv("DB_LOG_LEVEL", "warn"),
		},
		JWT: JWTConfig{
			SecretKey:      getEnv("JWT_SECRET", defaultJWTSecret),
			AccessTokenTTL: getEnvAsInt("JWT_ACCESS_TTL", 24),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", ""),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "ap-southeast-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			S3Bucket:        getEnv("AWS_S3_BUCKET", "pharma-custody-certificates"),
			CertificatePath: getEnv("CERTIFICATE_LOCAL_PATH", "./data/certificates"),
		},
		Ledger: LedgerConfig{
			Mode:                 getEnv("LEDGER_MODE", LedgerModeSimulated),
			Network:              getEnv("LEDGER_NETWORK", "hardhat"),
			RPCURL:               getEnv("LEDGER_RPC_URL", ""),
			ChainID:              int64(getEnvAsInt("LEDGER_CHAIN_ID", 0)),
			TokenContract:        getEnv("LEDGER_TOKEN_CONTRACT", ""),
			AccessControlAddress: getEnv("LEDGER_ACCESS_CONTROL_CONTRACT", ""),
			OperatorKey:          getEnv("LEDGER_OPERATOR_KEY", ""),
			CallTimeout:          getEnvAsDuration("LEDGER_CALL_TIMEOUT", 60*time.Second),
			VerifyConfirmations:  getEnvAsBool("LEDGER_VERIFY_CONFIRMATIONS", true),
			SimulatedFirstToken:  uint64(getEnvAsInt("LEDGER_SIMULATED_FIRST_TOKEN", 1)),
		},
		Reconciler: ReconcilerConfig{
			Enabled:    getEnvAsBool("RECONCILER_ENABLED", true),
			Interval:   getEnvAsDuration("RECONCILER_INTERVAL", 5*time.Minute),
			LockTTL:    getEnvAsDuration("RECONCILER_LOCK_TTL", 4*time.Minute),
			BatchSize:  getEnvAsInt("RECONCILER_BATCH_SIZE", 50),
			StaleAfter: getEnvAsDuration("RECONCILER_STALE_AFTER", time.Hour),
		},
		Payment: PaymentConfig{
			StripeSecretKey: getEnv("STRIPE_SECRET_KEY", ""),
			Currency:        getEnv("PAYMENT_CURRENCY", "vnd"),
		},
		Email: EmailConfig{
			SMTPHost:     getEnv("SMTP_HOST", "smtp.gmail.com"),
			SMTPPort:     getEnv("SMTP_PORT", "587"),
			SMTPUsername: getEnv("SMTP_USERNAME", ""),
			SMTPPassword: getEnv("SMTP_PASSWORD", ""),
			FromEmail:    getEnv("FROM_EMAIL", "noreply@pharma-custody.local"),
			FromName:     getEnv("FROM_NAME", "Pharma Custody"),
		},
		I18n: I18nConfig{
			DefaultLocale: getEnv("DEFAULT_LOCALE", "en"),
			LocalesPath:   getEnv("LOCALES_PATH", "./internal/i18n/locales"),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
	}

	return config, config.Validate()
}

func (c *Config) Validate() error {
	if c.JWT.SecretKey == defaultJWTSecret && c.Environment == "production" {
		return fmt.Errorf("JWT secret key must be changed in production")
	}

	if c.Server.AdminPassword == "" && c.Environment == "production" {
		return fmt.Errorf("ADMIN_PASSWORD is required in production")
	}

	if c.Database.Password == "" && c.Environment == "production" {
		return fmt.Errorf("database password is required in production")
	}

	switch c.Ledger.Mode {
	case LedgerModeSimulated:
		if c.Environment == "production" {
			return fmt.Errorf("simulated ledger is not allowed in production")
		}
	case LedgerModeEthereum:
		if c.Ledger.RPCURL == "" {
			return fmt.Errorf("LEDGER_RPC_URL is required when LEDGER_MODE=ethereum")
		}
		if c.Ledger.TokenContract == "" {
			return fmt.Errorf("LEDGER_TOKEN_CONTRACT is required when LEDGER_MODE=ethereum")
		}
	default:
		return fmt.Errorf("unknown LEDGER_MODE %q", c.Ledger.Mode)
	}

	if c.Ledger.CallTimeout <= 0 {
		return fmt.Errorf("LEDGER_CALL_TIMEOUT must be positive")
	}

	return nil
}

// Helper functions
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

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(strings.ToLower(value)); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
