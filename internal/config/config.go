package config

import (
	"os"
	"strconv"
	"time"

	"github.com/ignite/bulk-verifier/internal/pkg/backoff"
	"github.com/ignite/bulk-verifier/internal/probe"
	"github.com/ignite/bulk-verifier/internal/service/webhook"
	"github.com/ignite/bulk-verifier/internal/storage"
	"github.com/ignite/bulk-verifier/internal/throttle"
	"github.com/ignite/bulk-verifier/internal/worker"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Storage      StorageConfig      `yaml:"storage"`
	Verification VerificationConfig `yaml:"verification"`
	Billing      BillingConfig      `yaml:"billing"`
	Webhooks     WebhookConfig      `yaml:"webhooks"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port                   int      `yaml:"port"`
	Host                   string   `yaml:"host"`
	AllowedOrigins         []string `yaml:"allowed_origins"`
	ShutdownTimeoutSeconds int      `yaml:"shutdown_timeout_seconds"`
	MaxAddressesPerJob     int      `yaml:"max_addresses_per_job"`
	// AdminToken guards /api/admin; empty disables those routes.
	AdminToken string `yaml:"admin_token"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	// In a container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// GetAdminToken returns the operator token, with environment variable
// override.
func (c ServerConfig) GetAdminToken() string {
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		return v
	}
	return c.AdminToken
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// DatabaseConfig holds the PostgreSQL connection. An empty URL selects the
// in-memory repositories.
type DatabaseConfig struct {
	URL                    string `yaml:"url"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	AutoMigrate            bool   `yaml:"auto_migrate"`
}

// ConnMaxLifetime returns the pooled connection lifetime.
func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeMinutes) * time.Minute
}

// RedisConfig holds the Redis connection. An empty URL disables the shared
// cache, cross-process progress fan-out and distributed locks.
type RedisConfig struct {
	URL             string `yaml:"url"`
	CacheTTLMinutes int    `yaml:"cache_ttl_minutes"`
	LocalCacheSize  int    `yaml:"local_cache_size"`
}

// CacheTTL returns how long definitive results are reused.
func (c RedisConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMinutes) * time.Minute
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Type         string `yaml:"type"` // "local" or "s3"
	LocalPath    string `yaml:"local_path"`
	ExportPrefix string `yaml:"export_prefix"`
	S3Bucket     string `yaml:"s3_bucket"`
	// S3Endpoint targets MinIO and other S3-compatible servers.
	S3Endpoint string `yaml:"s3_endpoint"`
	AWSRegion  string `yaml:"aws_region"`
	// AWSProfile empty uses the default credential chain.
	AWSProfile      string `yaml:"aws_profile"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	// DeadLetterTable names a DynamoDB table; empty keeps dead letters in
	// the database.
	DeadLetterTable   string `yaml:"dead_letter_table"`
	DeadLetterTTLDays int    `yaml:"dead_letter_ttl_days"`
}

// GetAWSProfile returns the AWS profile, with environment variable override
func (c StorageConfig) GetAWSProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		if envProfile == "none" || envProfile == "iam" {
			return ""
		}
		return envProfile
	}
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return ""
	}
	return c.AWSProfile
}

// StoreConfig converts to the object store settings.
func (c StorageConfig) StoreConfig() storage.Config {
	return storage.Config{Type: c.Type, LocalPath: c.LocalPath, AWS: c.AWS()}
}

// AWS converts to the shared AWS client settings.
func (c StorageConfig) AWS() storage.AWSConfig {
	return storage.AWSConfig{
		Region:          c.AWSRegion,
		Profile:         c.GetAWSProfile(),
		Endpoint:        c.S3Endpoint,
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		Bucket:          c.S3Bucket,
		DeadLetterTable: c.DeadLetterTable,
	}
}

// DeadLetterTTL returns how long DynamoDB keeps dead letters.
func (c StorageConfig) DeadLetterTTL() time.Duration {
	return time.Duration(c.DeadLetterTTLDays) * 24 * time.Hour
}

// VerificationConfig covers the scheduler, the per-domain throttle and the
// SMTP probe.
type VerificationConfig struct {
	Workers            int `yaml:"workers"`
	MaxAttempts        int `yaml:"max_attempts"`
	RetryBaseSeconds   int `yaml:"retry_base_seconds"`
	RetryMaxSeconds    int `yaml:"retry_max_seconds"`
	DomainConcurrency  int `yaml:"domain_concurrency"`
	BackoffBaseSeconds int `yaml:"backoff_base_seconds"`
	BackoffMaxSeconds  int `yaml:"backoff_max_seconds"`

	HeloName              string         `yaml:"helo_name"`
	MailFrom              string         `yaml:"mail_from"`
	SMTPPort              int            `yaml:"smtp_port"`
	ConnectTimeoutSeconds int            `yaml:"connect_timeout_seconds"`
	StepTimeoutSeconds    int            `yaml:"step_timeout_seconds"`
	ProbeTimeoutSeconds   int            `yaml:"probe_timeout_seconds"`
	MaxMXHosts            int            `yaml:"max_mx_hosts"`
	CatchAllDetection     *bool          `yaml:"catch_all_detection"`
	DNSRetries            int            `yaml:"dns_retries"`
	MXCacheMinutes        int            `yaml:"mx_cache_minutes"`
	Weights               *probe.Weights `yaml:"weights"`

	// JobLeaseSeconds bounds how long a job outlives a replica that stopped
	// renewing it before another replica fails it.
	JobLeaseSeconds int `yaml:"job_lease_seconds"`
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Scheduler converts to the scheduler settings.
func (c VerificationConfig) Scheduler() worker.SchedulerConfig {
	sc := worker.DefaultSchedulerConfig()
	sc.Workers = c.Workers
	sc.MaxAttempts = c.MaxAttempts
	sc.RetryBase = seconds(c.RetryBaseSeconds)
	sc.RetryMax = seconds(c.RetryMaxSeconds)
	return sc
}

// Throttle converts to the per-domain throttle settings.
func (c VerificationConfig) Throttle() throttle.Config {
	tc := throttle.DefaultConfig()
	tc.DefaultConcurrency = c.DomainConcurrency
	tc.BackoffBase = seconds(c.BackoffBaseSeconds)
	tc.BackoffMax = seconds(c.BackoffMaxSeconds)
	return tc
}

// Probe converts to the probe engine settings.
func (c VerificationConfig) Probe() probe.Config {
	pc := probe.DefaultConfig()
	pc.HeloName = c.HeloName
	pc.MailFrom = c.MailFrom
	pc.Port = c.SMTPPort
	pc.ConnectTimeout = seconds(c.ConnectTimeoutSeconds)
	pc.StepTimeout = seconds(c.StepTimeoutSeconds)
	pc.ProbeTimeout = seconds(c.ProbeTimeoutSeconds)
	pc.MaxMXHosts = c.MaxMXHosts
	if c.CatchAllDetection != nil {
		pc.CatchAll = *c.CatchAllDetection
	}
	if c.Weights != nil {
		pc.Weights = *c.Weights
	}
	return pc
}

// JobLease returns how long a job lease lasts without renewal.
func (c VerificationConfig) JobLease() time.Duration {
	return seconds(c.JobLeaseSeconds)
}

// MXCacheTTL returns how long resolved MX hosts are reused.
func (c VerificationConfig) MXCacheTTL() time.Duration {
	return time.Duration(c.MXCacheMinutes) * time.Minute
}

// BillingConfig holds credit pricing.
type BillingConfig struct {
	PricePerAddress     int64 `yaml:"price_per_address"`
	ReapIntervalSeconds int   `yaml:"reap_interval_seconds"`
}

// ReapInterval returns how often open reservations are checked.
func (c BillingConfig) ReapInterval() time.Duration {
	return seconds(c.ReapIntervalSeconds)
}

// WebhookConfig holds outbound delivery settings.
type WebhookConfig struct {
	TimeoutSeconds       int     `yaml:"timeout_seconds"`
	MaxAttempts          int     `yaml:"max_attempts"`
	ScheduleSeconds      []int   `yaml:"schedule_seconds"`
	BatchSize            int     `yaml:"batch_size"`
	Concurrency          int     `yaml:"concurrency"`
	RatePerHost          float64 `yaml:"rate_per_host"`
	BurstPerHost         int     `yaml:"burst_per_host"`
	SigningSecret        string  `yaml:"signing_secret"`
	SweepIntervalSeconds int     `yaml:"sweep_interval_seconds"`
}

// Delivery converts to the webhook service settings.
func (c WebhookConfig) Delivery() webhook.Config {
	wc := webhook.DefaultConfig()
	wc.Timeout = seconds(c.TimeoutSeconds)
	wc.MaxAttempts = c.MaxAttempts
	if len(c.ScheduleSeconds) > 0 {
		wc.Schedule = make(backoff.Schedule, len(c.ScheduleSeconds))
		for i, s := range c.ScheduleSeconds {
			wc.Schedule[i] = seconds(s)
		}
	}
	wc.BatchSize = c.BatchSize
	wc.Concurrency = c.Concurrency
	wc.RatePerHost = c.RatePerHost
	wc.BurstPerHost = c.BurstPerHost
	wc.SigningSecret = c.SigningSecret
	return wc
}

// SweepInterval returns how often due deliveries are sent.
func (c WebhookConfig) SweepInterval() time.Duration {
	return seconds(c.SweepIntervalSeconds)
}

// LoggingConfig holds log settings.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII bool   `yaml:"redact_pii"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.ShutdownTimeoutSeconds == 0 {
		cfg.Server.ShutdownTimeoutSeconds = 30
	}
	if cfg.Server.MaxAddressesPerJob == 0 {
		cfg.Server.MaxAddressesPerJob = 100000
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetimeMinutes == 0 {
		cfg.Database.ConnMaxLifetimeMinutes = 30
	}
	if cfg.Redis.CacheTTLMinutes == 0 {
		cfg.Redis.CacheTTLMinutes = 24 * 60
	}
	if cfg.Redis.LocalCacheSize == 0 {
		cfg.Redis.LocalCacheSize = 10000
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "local"
	}
	if cfg.Storage.LocalPath == "" {
		cfg.Storage.LocalPath = "./data"
	}
	if cfg.Storage.ExportPrefix == "" {
		cfg.Storage.ExportPrefix = storage.DefaultExportPrefix
	}
	if cfg.Storage.AWSRegion == "" {
		cfg.Storage.AWSRegion = "us-west-2"
	}
	if cfg.Storage.DeadLetterTTLDays == 0 {
		cfg.Storage.DeadLetterTTLDays = 30
	}

	v := &cfg.Verification
	sd, td, pd := worker.DefaultSchedulerConfig(), throttle.DefaultConfig(), probe.DefaultConfig()
	if v.Workers == 0 {
		v.Workers = sd.Workers
	}
	if v.MaxAttempts == 0 {
		v.MaxAttempts = sd.MaxAttempts
	}
	if v.RetryBaseSeconds == 0 {
		v.RetryBaseSeconds = int(sd.RetryBase / time.Second)
	}
	if v.RetryMaxSeconds == 0 {
		v.RetryMaxSeconds = int(sd.RetryMax / time.Second)
	}
	if v.DomainConcurrency == 0 {
		v.DomainConcurrency = td.DefaultConcurrency
	}
	if v.BackoffBaseSeconds == 0 {
		v.BackoffBaseSeconds = int(td.BackoffBase / time.Second)
	}
	if v.BackoffMaxSeconds == 0 {
		v.BackoffMaxSeconds = int(td.BackoffMax / time.Second)
	}
	if v.HeloName == "" {
		v.HeloName = pd.HeloName
	}
	if v.MailFrom == "" {
		v.MailFrom = pd.MailFrom
	}
	if v.SMTPPort == 0 {
		v.SMTPPort = pd.Port
	}
	if v.ConnectTimeoutSeconds == 0 {
		v.ConnectTimeoutSeconds = int(pd.ConnectTimeout / time.Second)
	}
	if v.StepTimeoutSeconds == 0 {
		v.StepTimeoutSeconds = int(pd.StepTimeout / time.Second)
	}
	if v.ProbeTimeoutSeconds == 0 {
		v.ProbeTimeoutSeconds = int(pd.ProbeTimeout / time.Second)
	}
	if v.MaxMXHosts == 0 {
		v.MaxMXHosts = pd.MaxMXHosts
	}
	if v.DNSRetries == 0 {
		v.DNSRetries = 2
	}
	if v.MXCacheMinutes == 0 {
		v.MXCacheMinutes = 10
	}
	if v.JobLeaseSeconds == 0 {
		v.JobLeaseSeconds = int(worker.DefaultJobLease / time.Second)
	}

	if cfg.Billing.PricePerAddress == 0 {
		cfg.Billing.PricePerAddress = 1
	}
	if cfg.Billing.ReapIntervalSeconds == 0 {
		cfg.Billing.ReapIntervalSeconds = int(worker.DefaultReapInterval / time.Second)
	}

	w, wd := &cfg.Webhooks, webhook.DefaultConfig()
	if w.TimeoutSeconds == 0 {
		w.TimeoutSeconds = int(wd.Timeout / time.Second)
	}
	if w.MaxAttempts == 0 {
		w.MaxAttempts = wd.MaxAttempts
	}
	if w.BatchSize == 0 {
		w.BatchSize = wd.BatchSize
	}
	if w.Concurrency == 0 {
		w.Concurrency = wd.Concurrency
	}
	if w.RatePerHost == 0 {
		w.RatePerHost = wd.RatePerHost
	}
	if w.BurstPerHost == 0 {
		w.BurstPerHost = wd.BurstPerHost
	}
	if w.SweepIntervalSeconds == 0 {
		w.SweepIntervalSeconds = int(worker.DefaultWebhookInterval / time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.Storage.S3Bucket = v
		cfg.Storage.Type = "s3"
	}
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		cfg.Storage.S3Endpoint = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Storage.AWSRegion = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		cfg.Storage.AccessKeyID = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.Storage.SecretAccessKey = v
	}
	if v := os.Getenv("WEBHOOK_SIGNING_SECRET"); v != "" {
		cfg.Webhooks.SigningSecret = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg, nil
}
