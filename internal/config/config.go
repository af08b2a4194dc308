package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Addr          string        `env:"OPENTD_ADDR"           envDefault:":8787"`
	StorageMode   string        `env:"OPENTD_STORAGE_MODE"   envDefault:"file"`
	DataDir       string        `env:"OPENTD_DATA_DIR"       envDefault:"./data"`
	DocumentURL   string        `env:"OPENTD_DOCUMENT_URL"`
	DatabaseURL   string        `env:"DATABASE_URL"`
	JWTSecret     string        `env:"OPENTD_JWT_SECRET"     envDefault:"opentd-dev-secret"`
	TokenTTL      time.Duration `env:"OPENTD_TOKEN_TTL"      envDefault:"168h"`
	MigrationsDir string        `env:"OPENTD_MIGRATIONS_DIR" envDefault:"./db/migrations"`
	CORSOrigin    string        `env:"OPENTD_CORS_ORIGIN"    envDefault:"*"`
	LogLevel      string        `env:"OPENTD_LOG_LEVEL"      envDefault:"info"`
}

// Load reads the server configuration from the environment. An empty
// DATABASE_URL keeps accounts in memory.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.TokenTTL <= 0 {
		return Config{}, fmt.Errorf("parse env: OPENTD_TOKEN_TTL must be positive, got %s", cfg.TokenTTL)
	}
	return cfg, nil
}
