package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	RedisHost string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort uint16 `env:"REDIS_PORT" envDefault:"6379"   validate:"min=1000,max=65535"`

	PostgresHost     string `env:"POSTGRES_HOST"     envDefault:"localhost"`
	PostgresPort     string `env:"POSTGRES_PORT"     envDefault:"5432"`
	PostgresUser     string `env:"POSTGRES_USER"     envDefault:"studyhub_user"`
	PostgresPassword string `env:"POSTGRES_PASSWORD" envDefault:"studyhub_password"`
	PostgresDb       string `env:"POSTGRES_DB"       envDefault:"studyhub_db"`
	ApplySchema      bool   `env:"APPLY_SCHEMA"      envDefault:"true"`

	SessionDefaultCapacity int `env:"SESSION_DEFAULT_CAPACITY" envDefault:"8" validate:"min=2,max=100"`

	WsSendBuffer     int      `env:"WS_SEND_BUFFER"     envDefault:"64"    validate:"min=8,max=4096"`
	WsReadLimit      int64    `env:"WS_READ_LIMIT"      envDefault:"65536" validate:"min=1024"`
	WsAllowedOrigins []string `env:"WS_ALLOWED_ORIGINS" envSeparator:","`

	SignalRateLimit  int           `env:"SIGNAL_RATE_LIMIT"  envDefault:"200" validate:"min=1"`
	SignalRateWindow time.Duration `env:"SIGNAL_RATE_WINDOW" envDefault:"10s" validate:"min=1s"`

	RedisFanout          bool          `env:"REDIS_FANOUT"           envDefault:"false"`
	PresenceSyncInterval time.Duration `env:"PRESENCE_SYNC_INTERVAL" envDefault:"10s" validate:"min=1s"`

	HttpServerPort uint16 `env:"HTTP_SERVER_PORT" envDefault:"8085" validate:"min=1000,max=65535"`
}

func LoadConfig() (*Config, error) {
	// Load environment variables from .env file
	err := godotenv.Load(".env")
	if err != nil {
		zap.L().Debug(".env file not found", zap.Error(err))
	}

	cfg := &Config{}
	if err = env.Parse(cfg); err != nil {
		zap.L().Error("config_load_failed", zap.Error(err))
		return nil, err
	}

	validate := validator.New()
	err = validate.Struct(cfg)
	if err != nil {
		zap.L().Error("config_validation_failed", zap.Error(err))
		return nil, err
	}
	return cfg, nil
}
