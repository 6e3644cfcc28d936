package config

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// DefaultCallTimeout bounds every blocking wait unless overridden.
const DefaultCallTimeout = 5000 * time.Millisecond

var callTimeout atomic.Int64

func init() {
	callTimeout.Store(int64(DefaultCallTimeout))
}

// CallTimeout returns the process-wide bound consulted by every blocking wait.
func CallTimeout() time.Duration {
	return time.Duration(callTimeout.Load())
}

// SetCallTimeout overrides the process-wide bound. Non-positive values
// restore the default.
func SetCallTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultCallTimeout
	}
	callTimeout.Store(int64(d))
}

// Config holds all application configuration.
type Config struct {
	RPC       RPCConfig
	Transport TransportConfig
	Engine    EngineConfig
	Logging   LogConfig
}

// RPCConfig holds cross-process call configuration.
type RPCConfig struct {
	TimeoutMS int `envconfig:"XRAY_TIMEOUT_MS" default:"5000"`
}

// Timeout returns the configured bound as a duration.
func (c RPCConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// TransportConfig holds the endpoint the engine-hosting process listens on.
type TransportConfig struct {
	Addr string `envconfig:"XRAY_ADDR" default:"127.0.0.1:9229"`
	Path string `envconfig:"XRAY_PATH" default:"/xray"`
	// ConnectRate and ConnectBurst bound new links per client address;
	// a zero rate disables the limit
	ConnectRate  float64 `envconfig:"XRAY_CONNECT_RATE" default:"5"`
	ConnectBurst int     `envconfig:"XRAY_CONNECT_BURST" default:"10"`
}

// EngineConfig holds script engine configuration.
type EngineConfig struct {
	MaxCallStackSize int  `envconfig:"XRAY_ENGINE_STACK" default:"1024"`
	EnableConsole    bool `envconfig:"XRAY_ENGINE_CONSOLE" default:"true"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load loads configuration from environment variables and applies the
// call timeout process-wide.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.RPC.TimeoutMS <= 0 {
		return nil, fmt.Errorf("failed to load config: XRAY_TIMEOUT_MS must be positive, got %d", cfg.RPC.TimeoutMS)
	}
	SetCallTimeout(cfg.RPC.Timeout())
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		RPC: RPCConfig{
			TimeoutMS: int(DefaultCallTimeout / time.Millisecond),
		},
		Transport: TransportConfig{
			Addr:         "127.0.0.1:9229",
			Path:         "/xray",
			ConnectRate:  5,
			ConnectBurst: 10,
		},
		Engine: EngineConfig{
			MaxCallStackSize: 1024,
			EnableConsole:    true,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}
