// Package config loads the daemon's runtime settings, everything that
// is not a CONSOLE/LOGFILE/SERVER declaration (those belong to package
// confparse, which reuses the protocol lexer against conman.conf
// itself). Layering is defaults -> file -> env via
// github.com/spf13/viper, with env prefix CONMAN.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds every runtime knob conmand needs outside of the
// console/logfile declarations themselves.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Mux     MuxConfig     `mapstructure:"mux"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls the listener and session handshake.
type ServerConfig struct {
	Listen       string        `mapstructure:"listen"`
	ConfigFile   string        `mapstructure:"config_file"`
	LoopbackOnly bool          `mapstructure:"loopback_only"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
}

// MuxConfig controls ring buffer sizing and the I/O multiplexer's pass
// cadence.
type MuxConfig struct {
	BufferSize   int           `mapstructure:"buffer_size"`
	ReplayLen    int           `mapstructure:"replay_len"`
	ScratchSize  int           `mapstructure:"scratch_size"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
	ReconnectMin time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax time.Duration `mapstructure:"reconnect_max"`
}

// MetricsConfig controls the Prometheus/diagnostics endpoint and the
// gopsutil-backed resource sampler.
type MetricsConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	ListenAddr        string        `mapstructure:"listen_addr"`
	Endpoint          string        `mapstructure:"endpoint"`
	SampleInterval    time.Duration `mapstructure:"sample_interval"`
	MaxRSSBytes       uint64        `mapstructure:"max_rss_bytes"`
	MinFreeFDHeadroom int           `mapstructure:"min_free_fd_headroom"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads configuration from defaults, an optional conmand.yaml
// (or .json/.toml) file, and CONMAN_-prefixed environment variables, in
// that order of increasing precedence.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("server.listen", "127.0.0.1:7890")
	v.SetDefault("server.config_file", "/etc/conman.conf")
	v.SetDefault("server.loopback_only", true)
	v.SetDefault("server.read_timeout", 30*time.Second)

	v.SetDefault("mux.buffer_size", 1<<16)
	v.SetDefault("mux.replay_len", 4096)
	v.SetDefault("mux.scratch_size", 8192)
	v.SetDefault("mux.poll_timeout", time.Second)
	v.SetDefault("mux.reconnect_min", time.Second)
	v.SetDefault("mux.reconnect_max", 60*time.Second)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9290")
	v.SetDefault("metrics.endpoint", "/metrics")
	v.SetDefault("metrics.sample_interval", 10*time.Second)
	v.SetDefault("metrics.max_rss_bytes", uint64(0)) // 0 disables the RSS gate
	v.SetDefault("metrics.min_free_fd_headroom", 64)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetConfigName("conmand")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/conman.d")
	v.SetEnvPrefix("CONMAN")
	v.AutomaticEnv()

	// The main daemon config file is optional; console/logfile
	// declarations always come from server.config_file via confparse,
	// not from this layer.
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if cfg.Mux.BufferSize <= 0 {
		cfg.Mux.BufferSize = 1 << 16
	}
	if cfg.Mux.ReplayLen*2 > cfg.Mux.BufferSize {
		return Config{}, fmt.Errorf("mux.buffer_size (%d) must be at least 2x mux.replay_len (%d)", cfg.Mux.BufferSize, cfg.Mux.ReplayLen)
	}

	return cfg, nil
}
