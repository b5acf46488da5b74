package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/collapsinghierarchy/blindreview/cycle"
	"github.com/collapsinghierarchy/blindreview/service"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Keys     KeyConfig
	JWT      JWTConfig
	Claim    ClaimConfig
	Shuffle  ShuffleConfig
	CORS     CORSConfig
	Logging  LoggingConfig
	// SeedProfessors is a comma separated list of id[:name] pairs inserted
	// at boot.
	SeedProfessors []Professor
}

type ServerConfig struct {
	Port string
	Host string
	Env  string
}

func (s ServerConfig) Addr() string { return s.Host + ":" + s.Port }

type DatabaseConfig struct {
	Driver     string // postgres | sqlite | memory
	URL        string
	SQLitePath string
}

type KeyConfig struct {
	SigningKeyFile string
	AllowEphemeral bool
	RSABits        int
}

type JWTConfig struct {
	Secret string
	Issuer string
}

type ClaimConfig struct {
	AllowedDomains []string
	UserHashKey    []byte
	CyclePeriod    cycle.Period
	MaxTokens      int
	MaxBlob        int
}

type ShuffleConfig struct {
	MinBatch int
	MaxDelay time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LoggingConfig struct {
	Level  string
	Format string // json | console
}

type Professor struct {
	ID   string
	Name string
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	maxDelay, err := time.ParseDuration(getEnv("SHUFFLE_MAX_DELAY", service.DefaultMaxDelay.String()))
	if err != nil {
		return nil, fmt.Errorf("invalid SHUFFLE_MAX_DELAY: %w", err)
	}
	period, err := cycle.ParsePeriod(getEnv("CYCLE_PERIOD", string(cycle.Monthly)))
	if err != nil {
		return nil, fmt.Errorf("invalid CYCLE_PERIOD: %w", err)
	}
	var hashKey []byte
	if v := os.Getenv("USER_HASH_KEY"); v != "" {
		if hashKey, err = hex.DecodeString(v); err != nil {
			return nil, fmt.Errorf("invalid USER_HASH_KEY: must be hex: %w", err)
		}
	}
	env := getEnv("ENV", "development")

	return &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "8080"),
			Host: getEnv("HOST", "0.0.0.0"),
			Env:  env,
		},
		Database: DatabaseConfig{
			Driver:     getEnv("DB_DRIVER", "postgres"),
			URL:        os.Getenv("DATABASE_URL"),
			SQLitePath: getEnv("SQLITE_PATH", "blindreview.db"),
		},
		Keys: KeyConfig{
			SigningKeyFile: os.Getenv("SIGNING_KEY_FILE"),
			AllowEphemeral: getEnvAsBool("ALLOW_EPHEMERAL_KEY", env == "development"),
			RSABits:        getEnvAsInt("RSA_BITS", 2048),
		},
		JWT: JWTConfig{
			Secret: os.Getenv("JWT_SECRET"),
			Issuer: os.Getenv("JWT_ISSUER"),
		},
		Claim: ClaimConfig{
			AllowedDomains: getEnvAsList("ALLOWED_EMAIL_DOMAINS"),
			UserHashKey:    hashKey,
			CyclePeriod:    period,
			MaxTokens:      getEnvAsInt("MAX_TOKENS_PER_CLAIM", service.DefaultMaxTokens),
			MaxBlob:        getEnvAsInt("MAX_BLOB", service.DefaultMaxBlob),
		},
		Shuffle: ShuffleConfig{
			MinBatch: getEnvAsInt("SHUFFLE_MIN_BATCH", service.DefaultMinBatch),
			MaxDelay: maxDelay,
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		SeedProfessors: parseProfessors(os.Getenv("SEED_PROFESSORS")),
	}, nil
}

// Validate rejects combinations the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	case "sqlite":
		if c.Database.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite driver"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown DB_DRIVER %q", c.Database.Driver))
	}
	if c.Keys.SigningKeyFile == "" && !c.Keys.AllowEphemeral {
		errs = append(errs, errors.New("SIGNING_KEY_FILE is required unless ALLOW_EPHEMERAL_KEY is set"))
	}
	if c.Keys.RSABits < 2048 {
		errs = append(errs, fmt.Errorf("RSA_BITS must be at least 2048, got %d", c.Keys.RSABits))
	}
	if len(c.JWT.Secret) < 32 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 32 bytes"))
	}
	if n := len(c.Claim.UserHashKey); n < service.MinUserHashKey || n > 64 {
		errs = append(errs, fmt.Errorf("USER_HASH_KEY must decode to %d..64 bytes, got %d", service.MinUserHashKey, n))
	}
	if c.Claim.MaxTokens < 1 {
		errs = append(errs, errors.New("MAX_TOKENS_PER_CLAIM must be positive"))
	}
	if c.Claim.MaxBlob < 1 {
		errs = append(errs, errors.New("MAX_BLOB must be positive"))
	}
	if c.Shuffle.MinBatch < 1 {
		errs = append(errs, errors.New("SHUFFLE_MIN_BATCH must be positive"))
	}
	if c.Shuffle.MaxDelay <= 0 {
		errs = append(errs, errors.New("SHUFFLE_MAX_DELAY must be positive"))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown LOG_FORMAT %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

func (c *Config) IsDevelopment() bool { return c.Server.Env == "development" }

func parseProfessors(v string) []Professor {
	var out []Professor
	for _, item := range getList(v) {
		id, name, _ := strings.Cut(item, ":")
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			name = id
		}
		out = append(out, Professor{ID: id, Name: name})
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string) []string { return getList(os.Getenv(key)) }

func getList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
