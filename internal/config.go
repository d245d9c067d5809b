package internal

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"http_server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Security      SecurityConfig      `mapstructure:"security" validate:"required"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Payment       PaymentConfig       `mapstructure:"payment"`
	Idempotency   IdempotencyConfig   `mapstructure:"idempotency"`
	Payout        PayoutConfig        `mapstructure:"payout"`
	RateLimit     RateLimitConfig     `mapstructure:"rate_limit"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	BaseURL           string        `mapstructure:"base_url"`
	AllowedOrigins    string        `mapstructure:"allowed_origins"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"required,min=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"required,min=1"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"required,min=1m"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" validate:"required,min=1m"`
	Source          string        `mapstructure:"source"`
	WriteRetries    int           `mapstructure:"write_retries"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
}

type SecurityConfig struct {
	JWTPrivateKey       string        `mapstructure:"jwt_private_key"`
	JWTPublicKey        string        `mapstructure:"jwt_public_key" validate:"required"`
	AccessTokenDuration time.Duration `mapstructure:"access_token_duration"`
	BCryptCost          int           `mapstructure:"bcrypt_cost"`
}

const (
	ProviderSandbox = "sandbox"
	ProviderOmise   = "omise"
)

type PaymentConfig struct {
	Provider       string        `mapstructure:"provider" validate:"oneof=sandbox omise"`
	WebhookSecret  string        `mapstructure:"webhook_secret" validate:"required"`
	GatewayTimeout time.Duration `mapstructure:"gateway_timeout"`
	Sandbox        SandboxConfig `mapstructure:"sandbox"`
	Omise          OmiseConfig   `mapstructure:"omise"`
}

type SandboxConfig struct {
	WebhookURL    string        `mapstructure:"webhook_url"`
	MaxWorkers    int           `mapstructure:"max_workers"`
	JobQueueSize  int           `mapstructure:"job_queue_size"`
	CallbackDelay time.Duration `mapstructure:"callback_delay"`
	FeePercentage float64       `mapstructure:"fee_percentage"`
}

type OmiseConfig struct {
	PublicKey string `mapstructure:"public_key"`
	SecretKey string `mapstructure:"secret_key"`
}

const (
	IdempotencyBackendPostgres = "postgres"
	IdempotencyBackendDynamoDB = "dynamodb"
)

type IdempotencyConfig struct {
	Backend       string         `mapstructure:"backend"`
	TTL           time.Duration  `mapstructure:"ttl"`
	WebhookTTL    time.Duration  `mapstructure:"webhook_ttl"`
	Lease         time.Duration  `mapstructure:"lease"`
	SweepInterval time.Duration  `mapstructure:"sweep_interval"`
	DynamoDB      DynamoDBConfig `mapstructure:"dynamodb"`
}

type DynamoDBConfig struct {
	Table    string `mapstructure:"table"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

type PayoutConfig struct {
	PlatformFeePercentage float64 `mapstructure:"platform_fee_percentage"`
	TransferFeePercentage float64 `mapstructure:"transfer_fee_percentage"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `mapstructure:"requests_per_second"`
	Burst             int `mapstructure:"burst"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path" validate:"required_if=Enabled true"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=json text"`
}

// ----------------- DEFAULTS -----------------

// ApplyDefaults fills zero values that have a sensible default.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.WriteRetries == 0 {
		c.Database.WriteRetries = 3
	}
	if c.Database.RetryBaseDelay == 0 {
		c.Database.RetryBaseDelay = 50 * time.Millisecond
	}
	if c.Security.AccessTokenDuration == 0 {
		c.Security.AccessTokenDuration = 15 * time.Minute
	}
	if c.Payment.Provider == "" {
		c.Payment.Provider = ProviderSandbox
	}
	if c.Payment.GatewayTimeout == 0 {
		c.Payment.GatewayTimeout = 10 * time.Second
	}
	if c.Payment.Provider == ProviderSandbox && c.Payment.Sandbox.WebhookURL == "" {
		c.Payment.Sandbox.WebhookURL = fmt.Sprintf("http://localhost:%d/api/v1/webhooks/payments", c.Server.Port)
	}
	if c.Idempotency.Backend == "" {
		c.Idempotency.Backend = IdempotencyBackendPostgres
	}
	if c.Idempotency.TTL == 0 {
		c.Idempotency.TTL = 24 * time.Hour
	}
	if c.Idempotency.WebhookTTL == 0 {
		c.Idempotency.WebhookTTL = 72 * time.Hour
	}
	if c.Idempotency.Lease == 0 {
		c.Idempotency.Lease = c.Payment.GatewayTimeout + time.Minute
	}
	if c.Idempotency.SweepInterval == 0 {
		c.Idempotency.SweepInterval = 10 * time.Minute
	}
	if c.Payout.PlatformFeePercentage == 0 {
		c.Payout.PlatformFeePercentage = 5
	}
	if c.Observability.Metrics.Path == "" {
		c.Observability.Metrics.Path = "/metrics"
	}
	if c.Observability.Logging.Level == "" {
		c.Observability.Logging.Level = "info"
	}
	if c.Observability.Logging.Format == "" {
		c.Observability.Logging.Format = "text"
	}
}

// ----------------- ENV LOADING -----------------

func LoadConfigFromEnv() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:              getEnvAsInt("HTTP_SERVER_PORT", 8080),
			BaseURL:           getEnv("HTTP_SERVER_BASE_URL", ""),
			AllowedOrigins:    getEnv("HTTP_SERVER_ALLOWED_ORIGINS", "*"),
			ReadHeaderTimeout: getEnvAsDuration("HTTP_SERVER_READ_HEADER_TIMEOUT", 5*time.Second),
			ReadTimeout:       getEnvAsDuration("HTTP_SERVER_READ_TIMEOUT", 15*time.Second),
			IdleTimeout:       getEnvAsDuration("HTTP_SERVER_IDLE_TIMEOUT", 60*time.Second),
			WriteTimeout:      getEnvAsDuration("HTTP_SERVER_WRITE_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			MaxOpenConns:    getEnvAsInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvAsDuration("DATABASE_CONN_MAX_IDLE_TIME", 5*time.Minute),
			Source:          getEnv("DATABASE_SOURCE", ""),
			WriteRetries:    getEnvAsInt("DATABASE_WRITE_RETRIES", 3),
			RetryBaseDelay:  getEnvAsDuration("DATABASE_RETRY_BASE_DELAY", 50*time.Millisecond),
		},
		Security: SecurityConfig{
			JWTPrivateKey:       getEnv("SECURITY_JWT_PRIVATE_KEY", ""),
			JWTPublicKey:        getEnv("SECURITY_JWT_PUBLIC_KEY", ""),
			AccessTokenDuration: getEnvAsDuration("SECURITY_ACCESS_TOKEN_DURATION", 15*time.Minute),
			BCryptCost:          getEnvAsInt("SECURITY_BCRYPT_COST", 12),
		},
		Payment: PaymentConfig{
			Provider:       getEnv("PAYMENT_PROVIDER", ProviderSandbox),
			WebhookSecret:  getEnv("PAYMENT_WEBHOOK_SECRET", ""),
			GatewayTimeout: getEnvAsDuration("PAYMENT_GATEWAY_TIMEOUT", 10*time.Second),
			Sandbox: SandboxConfig{
				WebhookURL:    getEnv("PAYMENT_SANDBOX_WEBHOOK_URL", ""),
				MaxWorkers:    getEnvAsInt("PAYMENT_SANDBOX_MAX_WORKERS", 10),
				JobQueueSize:  getEnvAsInt("PAYMENT_SANDBOX_JOB_QUEUE_SIZE", 100),
				CallbackDelay: getEnvAsDuration("PAYMENT_SANDBOX_CALLBACK_DELAY", 2*time.Second),
				FeePercentage: getEnvAsFloat("PAYMENT_SANDBOX_FEE_PERCENTAGE", 2.9),
			},
			Omise: OmiseConfig{
				PublicKey: getEnv("PAYMENT_OMISE_PUBLIC_KEY", ""),
				SecretKey: getEnv("PAYMENT_OMISE_SECRET_KEY", ""),
			},
		},
		Idempotency: IdempotencyConfig{
			Backend:       getEnv("IDEMPOTENCY_BACKEND", IdempotencyBackendPostgres),
			TTL:           getEnvAsDuration("IDEMPOTENCY_TTL", 24*time.Hour),
			WebhookTTL:    getEnvAsDuration("IDEMPOTENCY_WEBHOOK_TTL", 72*time.Hour),
			Lease:         getEnvAsDuration("IDEMPOTENCY_LEASE", 0),
			SweepInterval: getEnvAsDuration("IDEMPOTENCY_SWEEP_INTERVAL", 10*time.Minute),
			DynamoDB: DynamoDBConfig{
				Table:    getEnv("IDEMPOTENCY_DYNAMODB_TABLE", "idempotency_records"),
				Region:   getEnv("IDEMPOTENCY_DYNAMODB_REGION", "us-east-1"),
				Endpoint: getEnv("IDEMPOTENCY_DYNAMODB_ENDPOINT", ""),
			},
		},
		Payout: PayoutConfig{
			PlatformFeePercentage: getEnvAsFloat("PAYOUT_PLATFORM_FEE_PERCENTAGE", 5),
			TransferFeePercentage: getEnvAsFloat("PAYOUT_TRANSFER_FEE_PERCENTAGE", 0),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsInt("RATE_LIMIT_REQUESTS_PER_SECOND", 10),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 20),
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: getEnv("OBSERVABILITY_METRICS_ENABLED", "true") == "true",
				Path:    getEnv("OBSERVABILITY_METRICS_PATH", "/metrics"),
			},
			Logging: LoggingConfig{
				Level:  getEnv("OBSERVABILITY_LOGGING_LEVEL", "info"),
				Format: getEnv("OBSERVABILITY_LOGGING_FORMAT", "json"),
			},
		},
	}
	return cfg
}

// ----------------- HELPERS -----------------

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}

// ----------------- VALIDATION -----------------

// Validate returns a ConfigurationError listing every invalid section.
func (c *Config) Validate() error {
	var errs []string

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("database config: %v", err))
	}

	if err := c.Security.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("security config: %v", err))
	}

	if err := c.Payment.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("payment config: %v", err))
	}

	if err := c.Idempotency.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("idempotency config: %v", err))
	}

	if err := c.Payout.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("payout config: %v", err))
	}

	if len(errs) > 0 {
		return NewConfigurationError(strings.Join(errs, "; "))
	}

	return nil
}

func (c *ServerConfig) Validate() error {
	if c.AllowedOrigins != "" {
		origins := strings.Split(c.AllowedOrigins, ",")
		for _, origin := range origins {
			origin = strings.TrimSpace(origin)
			if origin == "*" {
				continue
			}
			if _, err := url.Parse(origin); err != nil {
				return fmt.Errorf("invalid allowed origin %s: %w", origin, err)
			}
		}
	}
	if c.ReadTimeout < c.ReadHeaderTimeout {
		return errors.New("read_timeout must be >= read_header_timeout")
	}
	return nil
}

func (c *ServerConfig) Origins() []string {
	if c.AllowedOrigins == "" {
		return []string{"*"}
	}
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func (c *DatabaseConfig) Validate() error {
	if c.Source == "" {
		return errors.New("source is required")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	if c.WriteRetries < 0 {
		return errors.New("write_retries cannot be negative")
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return c.Source
}

func (c *SecurityConfig) Validate() error {
	if _, err := c.GetPublicKey(); err != nil {
		return fmt.Errorf("invalid JWT public key: %w", err)
	}
	if c.JWTPrivateKey != "" {
		if _, err := c.GetPrivateKey(); err != nil {
			return fmt.Errorf("invalid JWT private key: %w", err)
		}
	}
	return nil
}

func (c *SecurityConfig) GetPrivateKey() (*rsa.PrivateKey, error) {
	keyData, err := base64.StdEncoding.DecodeString(c.JWTPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}
	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, errors.New("failed to parse PEM block")
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

func (c *SecurityConfig) GetPublicKey() (*rsa.PublicKey, error) {
	keyData, err := base64.StdEncoding.DecodeString(c.JWTPublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}
	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, errors.New("failed to parse PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}
	return rsaPub, nil
}

func (c *PaymentConfig) Validate() error {
	if c.WebhookSecret == "" {
		return errors.New("webhook_secret is required")
	}
	if c.GatewayTimeout <= 0 {
		return errors.New("gateway_timeout must be positive")
	}
	switch c.Provider {
	case ProviderSandbox:
		if c.Sandbox.WebhookURL == "" {
			return errors.New("sandbox.webhook_url is required for the sandbox provider")
		}
	case ProviderOmise:
		if c.Omise.PublicKey == "" || c.Omise.SecretKey == "" {
			return errors.New("omise.public_key and omise.secret_key are required for the omise provider")
		}
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	return nil
}

func (c *IdempotencyConfig) Validate() error {
	if c.TTL <= 0 || c.WebhookTTL <= 0 {
		return errors.New("ttl and webhook_ttl must be positive")
	}
	if c.Lease <= 0 || c.Lease > c.TTL {
		return errors.New("lease must be positive and no longer than ttl")
	}
	switch c.Backend {
	case IdempotencyBackendPostgres:
	case IdempotencyBackendDynamoDB:
		if c.DynamoDB.Table == "" {
			return errors.New("dynamodb.table is required for the dynamodb backend")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	return nil
}

func (c *PayoutConfig) Validate() error {
	if c.PlatformFeePercentage < 0 || c.PlatformFeePercentage >= 100 {
		return errors.New("platform_fee_percentage must be in [0, 100)")
	}
	if c.TransferFeePercentage < 0 || c.TransferFeePercentage >= 100 {
		return errors.New("transfer_fee_percentage must be in [0, 100)")
	}
	return nil
}
