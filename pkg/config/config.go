package config

import (
	"time"
)

// SensitiveString is a string that redacts itself in logs and fmt output.
type SensitiveString string

func (s SensitiveString) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// Value returns the underlying secret.
func (s SensitiveString) Value() string { return string(s) }

// Config is the single configuration value object for the service. It is
// loaded once at startup and never mutated afterwards.
type Config struct {
	Server      ServerConfig      `koanf:"server"      validate:"required"`
	Database    DatabaseConfig    `koanf:"database"    validate:"required"`
	Redis       RedisConfig       `koanf:"redis"`
	Cache       CacheConfig       `koanf:"cache"`
	Encryption  EncryptionConfig  `koanf:"encryption"`
	Tasks       TasksConfig       `koanf:"tasks"`
	Retention   RetentionConfig   `koanf:"retention"`
	Auth        AuthConfig        `koanf:"auth"`
	OIDC        OIDCConfig        `koanf:"oidc"`
	Attachments AttachmentsConfig `koanf:"attachments"`
	Log         LogConfig         `koanf:"log"`
}

type ServerConfig struct {
	Host string `koanf:"host" env:"SERVER_HOST"`
	Port int    `koanf:"port" env:"SERVER_PORT" validate:"min=1,max=65535"`
	// TestingMode enables the X-Client-ID header as an identity source.
	// Never enable outside of test environments.
	TestingMode bool          `koanf:"testing_mode" env:"SERVER_TESTING_MODE"`
	Timeout     time.Duration `koanf:"timeout"      env:"SERVER_TIMEOUT"`
}

type DatabaseConfig struct {
	ConnString  SensitiveString `koanf:"conn_string"  env:"DATABASE_CONN_STRING"`
	Host        string          `koanf:"host"         env:"DATABASE_HOST"`
	Port        string          `koanf:"port"         env:"DATABASE_PORT"`
	User        string          `koanf:"user"         env:"DATABASE_USER"`
	Password    SensitiveString `koanf:"password"     env:"DATABASE_PASSWORD"`
	Name        string          `koanf:"name"         env:"DATABASE_NAME"`
	SSLMode     string          `koanf:"ssl_mode"     env:"DATABASE_SSL_MODE"`
	AutoMigrate bool            `koanf:"auto_migrate" env:"DATABASE_AUTO_MIGRATE"`
}

type RedisConfig struct {
	URL         string          `koanf:"url"          env:"REDIS_URL"`
	Host        string          `koanf:"host"         env:"REDIS_HOST"`
	Port        string          `koanf:"port"         env:"REDIS_PORT"`
	Password    SensitiveString `koanf:"password"     env:"REDIS_PASSWORD"`
	DB          int             `koanf:"db"           env:"REDIS_DB"`
	PingTimeout time.Duration   `koanf:"ping_timeout" env:"REDIS_PING_TIMEOUT"`
}

// CacheKind selects the memory-entries cache backend.
type CacheKind string

const (
	CacheKindNone  CacheKind = "none"
	CacheKindRedis CacheKind = "redis"
)

type CacheConfig struct {
	Kind     CacheKind     `koanf:"kind"      env:"CACHE_KIND"      validate:"oneof=none redis"`
	EpochTTL time.Duration `koanf:"epoch_ttl" env:"CACHE_EPOCH_TTL"`
}

type EncryptionConfig struct {
	// Key is static 32-byte key material, base64-encoded. When set, the
	// static key provider wraps DEKs with it; otherwise a KMS provider
	// block must be configured.
	Key        SensitiveString `koanf:"key"         env:"ENCRYPTION_KEY"`
	ProviderID string          `koanf:"provider_id" env:"ENCRYPTION_PROVIDER_ID"`
}

type TasksConfig struct {
	ProcessorInterval time.Duration `koanf:"processor_interval"  env:"TASKS_PROCESSOR_INTERVAL"`
	BatchSize         int           `koanf:"batch_size"          env:"TASKS_BATCH_SIZE"          validate:"min=1"`
	RetryDelay        time.Duration `koanf:"retry_delay"         env:"TASKS_RETRY_DELAY"`
	StaleClaimTimeout time.Duration `koanf:"stale_claim_timeout" env:"TASKS_STALE_CLAIM_TIMEOUT"`
}

type RetentionConfig struct {
	BatchSize            int  `koanf:"batch_size"            env:"RETENTION_BATCH_SIZE" validate:"min=1"`
	RequireJustification bool `koanf:"require_justification" env:"RETENTION_REQUIRE_JUSTIFICATION"`
}

// RoleConfig maps platform roles to principals.
type RoleConfig struct {
	Users    []string `koanf:"users"`
	Clients  []string `koanf:"clients"`
	OIDCRole string   `koanf:"oidc_role"`
}

type AuthConfig struct {
	// APIKeys maps a client id to the set of keys that authenticate it.
	APIKeys map[string][]string `koanf:"api_keys"`
	Admin   RoleConfig          `koanf:"admin"`
	Auditor RoleConfig          `koanf:"auditor"`
	Indexer RoleConfig          `koanf:"indexer"`
}

type OIDCConfig struct {
	Issuer   string `koanf:"issuer"    env:"OIDC_ISSUER"`
	Audience string `koanf:"audience"  env:"OIDC_AUDIENCE"`
	JWKSURL  string `koanf:"jwks_url"  env:"OIDC_JWKS_URL"`
}

type AttachmentsConfig struct {
	Dir             string        `koanf:"dir"              env:"ATTACHMENTS_DIR"`
	URLTTL          time.Duration `koanf:"url_ttl"          env:"ATTACHMENTS_URL_TTL"`
	CleanupInterval time.Duration `koanf:"cleanup_interval" env:"ATTACHMENTS_CLEANUP_INTERVAL"`
	ChunkSize       int           `koanf:"chunk_size"       env:"ATTACHMENTS_CHUNK_SIZE"       validate:"min=1024"`
}

type LogConfig struct {
	Level     string `koanf:"level"      env:"LOG_LEVEL"      validate:"oneof=debug info warn error"`
	JSON      bool   `koanf:"json"       env:"LOG_JSON"`
	AddSource bool   `koanf:"add_source" env:"LOG_ADD_SOURCE"`
}

// Default returns the baseline configuration that environment variables
// override.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8080,
			Timeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:        "localhost",
			Port:        "5432",
			User:        "postgres",
			Name:        "threadkeep",
			SSLMode:     "disable",
			AutoMigrate: true,
		},
		Redis: RedisConfig{
			Host:        "localhost",
			Port:        "6379",
			PingTimeout: 10 * time.Second,
		},
		Cache: CacheConfig{
			Kind:     CacheKindNone,
			EpochTTL: 10 * time.Minute,
		},
		Encryption: EncryptionConfig{
			ProviderID: "static",
		},
		Tasks: TasksConfig{
			ProcessorInterval: time.Minute,
			BatchSize:         100,
			RetryDelay:        time.Minute,
			StaleClaimTimeout: 5 * time.Minute,
		},
		Retention: RetentionConfig{
			BatchSize: 100,
		},
		OIDC: OIDCConfig{},
		Attachments: AttachmentsConfig{
			Dir:             "attachments",
			URLTTL:          15 * time.Minute,
			CleanupInterval: time.Hour,
			ChunkSize:       1 << 20,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
