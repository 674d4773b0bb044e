package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/smallbiznis/agentkey/internal/keyring"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"
)

// Config contains runtime configuration values.
type Config struct {
	Environment string
	HTTPPort    string
	ServiceName string
	NodeID      int64
	EnvFile     string

	StoreDriver string
	DatabaseURL string
	SQLitePath  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	EncryptionKeys []keyring.Key
	SigningKeys    []keyring.Key
	TokenIssuer    string

	TokenDefaultTTL    time.Duration
	TokenMaxTTL        time.Duration
	TokenMaxUsages     int
	TokenRetention     time.Duration
	RotationSchedule   string
	RotationBatchSize  int
	RotationRetry      time.Duration
	VersionGracePeriod time.Duration
	OperationTimeout   time.Duration

	RateLimitRPM         int
	TelemetryEndpoint    string
	TelemetryInsecure    bool
	TelemetrySampleRatio float64
	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool

	BootstrapTeamID   uuid.UUID
	BootstrapTeamName string
	BootstrapAdminKey string
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	envFile := getEnv("ENV_FILE", ".env")
	_ = godotenv.Load(envFile)

	cfg := Config{
		EnvFile:              envFile,
		Environment:          getEnv("APP_ENV", "development"),
		HTTPPort:             getEnv("HTTP_PORT", "8080"),
		ServiceName:          getEnv("SERVICE_NAME", "agentkey"),
		NodeID:               int64(getInt("SNOWFLAKE_NODE_ID", 1)),
		StoreDriver:          strings.ToLower(getEnv("STORE_DRIVER", StoreDriverPostgres)),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		SQLitePath:           getEnv("SQLITE_PATH", "agentkey.db"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              getInt("REDIS_DB", 0),
		TokenIssuer:          getEnv("TOKEN_ISSUER", "agentkey"),
		TokenDefaultTTL:      getDuration("TOKEN_DEFAULT_TTL", 5*time.Minute),
		TokenMaxTTL:          getDuration("TOKEN_MAX_TTL", time.Hour),
		TokenMaxUsages:       getInt("TOKEN_MAX_USAGES", 0),
		TokenRetention:       getDuration("TOKEN_RETENTION", 24*time.Hour),
		RotationSchedule:     getEnv("ROTATION_SCHEDULE", "@every 1m"),
		RotationBatchSize:    getInt("ROTATION_BATCH_SIZE", 100),
		RotationRetry:        getDuration("ROTATION_RETRY_BACKOFF", 15*time.Minute),
		VersionGracePeriod:   getDuration("VERSION_GRACE_PERIOD", 24*time.Hour),
		OperationTimeout:     getDuration("OPERATION_TIMEOUT", 5*time.Second),
		RateLimitRPM:         getInt("RATE_LIMIT_RPM", 600),
		TelemetryEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:    getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		TelemetrySampleRatio: getFloat("OTEL_TRACES_SAMPLER_ARG", 1),
		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods:   getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}),
		CORSAllowedHeaders:   getList("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type", "X-Request-ID"}),
		CORSAllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", false),
		BootstrapTeamName:    getEnv("BOOTSTRAP_TEAM_NAME", "default"),
		BootstrapAdminKey:    strings.TrimSpace(os.Getenv("BOOTSTRAP_ADMIN_KEY")),
	}

	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL is required")
		}
	case StoreDriverSQLite:
	default:
		return Config{}, fmt.Errorf("STORE_DRIVER must be %q or %q", StoreDriverPostgres, StoreDriverSQLite)
	}

	if cfg.NodeID < 0 || cfg.NodeID > 1023 {
		return Config{}, fmt.Errorf("SNOWFLAKE_NODE_ID must be between 0 and 1023")
	}

	var err error
	if cfg.EncryptionKeys, err = encryptionKeys(); err != nil {
		return Config{}, err
	}
	if cfg.SigningKeys, err = ringKeys("SIGNING_KEYS", keyring.MinSigningKeySize, false); err != nil {
		return Config{}, err
	}

	if cfg.TokenDefaultTTL <= 0 || cfg.TokenMaxTTL <= 0 {
		return Config{}, fmt.Errorf("TOKEN_DEFAULT_TTL and TOKEN_MAX_TTL must be positive")
	}
	if cfg.TokenDefaultTTL > cfg.TokenMaxTTL {
		return Config{}, fmt.Errorf("TOKEN_DEFAULT_TTL (%s) exceeds TOKEN_MAX_TTL (%s)", cfg.TokenDefaultTTL, cfg.TokenMaxTTL)
	}
	if cfg.TelemetrySampleRatio < 0 || cfg.TelemetrySampleRatio > 1 {
		return Config{}, fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}
	if cfg.TokenMaxUsages < 0 {
		return Config{}, fmt.Errorf("TOKEN_MAX_USAGES must not be negative")
	}
	if cfg.RotationBatchSize <= 0 {
		cfg.RotationBatchSize = 100
	}

	if raw := strings.TrimSpace(os.Getenv("BOOTSTRAP_TEAM_ID")); raw != "" {
		if cfg.BootstrapTeamID, err = uuid.Parse(raw); err != nil {
			return Config{}, fmt.Errorf("BOOTSTRAP_TEAM_ID must be a uuid")
		}
	}
	if (cfg.BootstrapTeamID == uuid.Nil) != (cfg.BootstrapAdminKey == "") {
		return Config{}, fmt.Errorf("BOOTSTRAP_TEAM_ID and BOOTSTRAP_ADMIN_KEY must be set together")
	}

	return cfg, nil
}

// ReloadKeys re-reads envFile, letting its values override the process
// environment, and returns the encryption and signing key sets. A missing
// file leaves the environment as it is.
func ReloadKeys(envFile string) (data, signing []keyring.Key, err error) {
	if envFile != "" {
		if err := godotenv.Overload(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("reload %s: %w", envFile, err)
		}
	}
	if data, err = encryptionKeys(); err != nil {
		return nil, nil, err
	}
	if signing, err = ringKeys("SIGNING_KEYS", keyring.MinSigningKeySize, false); err != nil {
		return nil, nil, err
	}
	return data, signing, nil
}

func encryptionKeys() ([]keyring.Key, error) {
	if strings.TrimSpace(os.Getenv("ENCRYPTION_KEYS")) != "" {
		return ringKeys("ENCRYPTION_KEYS", keyring.DataKeySize, true)
	}
	passphrase := os.Getenv("ENCRYPTION_PASSPHRASE")
	if passphrase == "" {
		return nil, errors.New("ENCRYPTION_KEYS or ENCRYPTION_PASSPHRASE is required")
	}
	material, err := keyring.Derive([]byte(passphrase), []byte(os.Getenv("ENCRYPTION_SALT")))
	if err != nil {
		return nil, fmt.Errorf("ENCRYPTION_PASSPHRASE: %w", err)
	}
	return []keyring.Key{{Version: 1, Status: keyring.StatusActive, Material: material}}, nil
}

// ringKeys parses and validates one key list. Building the ring here
// surfaces a missing active key at startup.
func ringKeys(env string, minSize int, exact bool) ([]keyring.Key, error) {
	raw := strings.TrimSpace(os.Getenv(env))
	if raw == "" {
		return nil, fmt.Errorf("%s is required", env)
	}
	keys, err := keyring.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", env, err)
	}
	if _, err := keyring.NewRing(keys, minSize, exact); err != nil {
		return nil, fmt.Errorf("%s: %w", env, err)
	}
	return keys, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
