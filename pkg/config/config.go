package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// EnvFileVar names an env file loaded before the process environment is read.
// Variables already set in the environment win over the file.
const EnvFileVar = "KANAL_ENV_FILE"

const defaultEnvFile = ".env"

type Config struct {
	Port        string `env:"PORT" env-default:"8080"`
	Environment string `env:"ENVIRONMENT" env-default:"development"`

	// StorageDriver is one of sqlite, postgres or redis.
	StorageDriver string `env:"STORAGE_DRIVER" env-default:"sqlite"`
	DatabasePath  string `env:"DATABASE_PATH" env-default:"./data/kanal.db"`
	DatabaseURL   string `env:"DATABASE_URL"`
	RedisAddr     string `env:"REDIS_ADDR" env-default:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" env-default:"0"`

	JWTSecret     string        `env:"JWT_SECRET" env-default:"your-secret-key-change-in-production"`
	TokenTTL      time.Duration `env:"TOKEN_TTL" env-default:"24h"`
	CORSOrigins   string        `env:"CORS_ORIGINS" env-default:"*"`
	AdminIdentity string        `env:"ADMIN_IDENTITY"`

	// MasterKey is base64; when empty a random key is generated per run.
	MasterKey      string        `env:"MASTER_KEY"`
	KeyName        string        `env:"KEY_NAME" env-default:"kanal_key"`
	PasswordHasher string        `env:"PASSWORD_HASHER" env-default:"bcrypt"`
	SweepInterval  time.Duration `env:"SWEEP_INTERVAL" env-default:"1h"`

	LogLevel string `env:"LOG_LEVEL" env-default:"info"`
	LogPath  string `env:"LOG_PATH"`
	Locale   string `env:"LOCALE" env-default:"en"`

	VAPIDPublicKey  string `env:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `env:"VAPID_PRIVATE_KEY"`
	VAPIDSubject    string `env:"VAPID_SUBJECT" env-default:"mailto:admin@example.com"`
}

func Load() (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	switch cfg.StorageDriver {
	case "sqlite", "postgres", "redis":
	default:
		return nil, fmt.Errorf("unknown STORAGE_DRIVER %q", cfg.StorageDriver)
	}
	if cfg.StorageDriver == "postgres" && cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required for the postgres driver")
	}

	return cfg, nil
}

// PushEnabled reports whether both VAPID keys are configured.
func (c *Config) PushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

func loadEnvFile() error {
	path, explicit := os.LookupEnv(EnvFileVar)
	if !explicit || path == "" {
		path = defaultEnvFile
	}

	err := godotenv.Load(path)
	if err == nil {
		return nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to load env file %s: %w", path, err)
}
