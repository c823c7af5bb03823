package internal

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

type Config struct {
	BufferSize        int           `env:"BUFFER_SIZE,default=1024" validate:"gt=0"`
	FanoutConcurrency int           `env:"FANOUT_CONCURRENCY,default=32" validate:"gt=0"`
	PersistTimeout    time.Duration `env:"PERSIST_TIMEOUT,default=2s" validate:"gt=0"`
	SendTimeout       time.Duration `env:"SEND_TIMEOUT,default=5s" validate:"gt=0"`
	DrainTimeout      time.Duration `env:"DRAIN_TIMEOUT,default=5s" validate:"gt=0"`
	PendingTTL        time.Duration `env:"PENDING_TTL,default=336h" validate:"gt=0"`
	PendingMaxPerUser int           `env:"PENDING_MAX_PER_USER,default=1000" validate:"gt=0"`
	PendingSweep      time.Duration `env:"PENDING_SWEEP_INTERVAL,default=1m" validate:"gt=0"`
	EchoToSender      bool          `env:"ECHO_TO_SENDER,default=true"`
	MaxBodyBytes      int           `env:"MAX_BODY_BYTES,default=4096" validate:"gt=0"`
	HistoryLimit      int           `env:"HISTORY_LIMIT,default=50" validate:"gt=0"`

	JWTSecret         string        `env:"JWT_SECRET,required=true" validate:"min=16"`
	JWTIssuer         string        `env:"JWT_ISSUER,default=messenger-hub" validate:"required"`
	AuthTokenDuration time.Duration `env:"AUTH_TOKEN_DURATION,default=24h" validate:"gt=0"`

	StorageDriver  string `env:"STORAGE_DRIVER,default=badger" validate:"oneof=badger mongo"`
	BadgerFilepath string `env:"BADGER_FILEPATH" validate:"required_if=StorageDriver badger"`
	MongoURI       string `env:"MONGO_URI" validate:"required_if=StorageDriver mongo"`
	MongoDatabase  string `env:"MONGO_DATABASE,default=messenger_hub"`

	Host           string        `env:"HOST,default=0.0.0.0"`
	Port           int           `env:"PORT,default=8080" validate:"gt=0,lt=65536"`
	GrpcPort       int           `env:"GRPC_PORT,default=9090" validate:"gt=0,lt=65536,nefield=Port"`
	AllowedOrigins string        `env:"ALLOWED_ORIGINS"`
	PingInterval   time.Duration `env:"PING_INTERVAL,default=30s" validate:"gt=0"`
	PongWait       time.Duration `env:"PONG_WAIT,default=60s" validate:"gtfield=PingInterval"`

	LogLevel         string        `env:"LOG_LEVEL,default=INFO"`
	RestartInterval  time.Duration `env:"RESTART_INTERVAL,default=1s" validate:"gt=0"`
	MetricInterval   time.Duration `env:"METRIC_INTERVAL,default=10s" validate:"gt=0"`
	LatencyThreshold time.Duration `env:"LATENCY_THRESHOLD,default=250ms" validate:"gt=0"`
}

// LoadConfig reads the environment and checks the cross field rules go-env cannot express.
func LoadConfig() (Config, error) {
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	if err := validator.New().Struct(config); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

// Origins splits the comma separated ALLOWED_ORIGINS. Empty means any origin.
func (c Config) Origins() []string {
	if c.AllowedOrigins == "" {
		return nil
	}
	return lo.Map(strings.Split(c.AllowedOrigins, ","), func(o string, _ int) string {
		return strings.TrimSpace(o)
	})
}
