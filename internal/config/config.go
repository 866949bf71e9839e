// Package config provides configuration management for the avatar client
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	User        UserConfig        `mapstructure:"user"`
	Analysis    AnalysisConfig    `mapstructure:"analysis"`
	LipSync     LipSyncConfig     `mapstructure:"lipsync"`
	Accumulator AccumulatorConfig `mapstructure:"accumulator"`
	Playback    PlaybackConfig    `mapstructure:"playback"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Avatar      AvatarConfig      `mapstructure:"avatar"`
}

// ServerConfig configures the tutoring backend connection
type ServerConfig struct {
	WebSocketURL      string        `mapstructure:"websocket_url"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	ReconnectBase     time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax      time.Duration `mapstructure:"reconnect_max"`
	ReconnectFactor   float64       `mapstructure:"reconnect_factor"`
	MaxRetries        int           `mapstructure:"max_retries"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"` // delay before clearing loaders after give-up
}

// UserConfig identifies the learner and lesson template
type UserConfig struct {
	ID       string `mapstructure:"id"`
	Template string `mapstructure:"template"`
	Language string `mapstructure:"language"`
}

// AnalysisConfig tunes the frequency analyzer
type AnalysisConfig struct {
	Threshold   float64 `mapstructure:"threshold"`
	Smoothness  float64 `mapstructure:"smoothness"`
	SpeechMinHz float64 `mapstructure:"speech_min_hz"`
	SpeechMaxHz float64 `mapstructure:"speech_max_hz"`
	FFTSize     int     `mapstructure:"fft_size"`
}

// LipSyncConfig tunes the lip-sync sampling loop
type LipSyncConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	WarmUp   time.Duration `mapstructure:"warm_up"`
}

// AccumulatorConfig tunes per-turn chunk finalization
type AccumulatorConfig struct {
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	TextEndDelay  time.Duration `mapstructure:"text_end_delay"`
	PerChunkDelay time.Duration `mapstructure:"per_chunk_delay"`
	MaxChunks     int           `mapstructure:"max_chunks"`
}

// PlaybackConfig tunes the playback scheduler
type PlaybackConfig struct {
	QueueCap         int           `mapstructure:"queue_cap"`
	PrebufferChunks  int           `mapstructure:"prebuffer_chunks"`
	PrebufferTimeout time.Duration `mapstructure:"prebuffer_timeout"`
	Strategy         string        `mapstructure:"strategy"` // auto, streaming, coalescing
	QuietWindow      time.Duration `mapstructure:"quiet_window"`
}

// CacheConfig configures the local audio replay cache
type CacheConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// AvatarConfig configures the signal consumer
type AvatarConfig struct {
	BlinkInterval  time.Duration `mapstructure:"blink_interval"`
	MorphEase      float64       `mapstructure:"morph_ease"`
	IdleAnimation  bool          `mapstructure:"idle_animation"`
	MouthSensitive float64       `mapstructure:"mouth_sensitivity"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Server: ServerConfig{
			WebSocketURL:      "ws://localhost:8080/ws",
			HandshakeTimeout:  10 * time.Second,
			HeartbeatInterval: 3 * time.Second,
			HeartbeatTimeout:  3 * time.Second,
			ReconnectBase:     1 * time.Second,
			ReconnectMax:      30 * time.Second,
			ReconnectFactor:   1.5,
			MaxRetries:        5,
			SettleDelay:       1 * time.Second,
		},
		User: UserConfig{
			ID:       "default-user",
			Template: "conversation-practice",
			Language: "en",
		},
		Analysis: AnalysisConfig{
			Threshold:   0.02,
			Smoothness:  0.5,
			SpeechMinHz: 150,
			SpeechMaxHz: 3000,
			FFTSize:     1024,
		},
		LipSync: LipSyncConfig{
			Interval: 12 * time.Millisecond,
			WarmUp:   100 * time.Millisecond,
		},
		Accumulator: AccumulatorConfig{
			BaseDelay:     3 * time.Second,
			TextEndDelay:  1500 * time.Millisecond,
			PerChunkDelay: 500 * time.Millisecond,
			MaxChunks:     100,
		},
		Playback: PlaybackConfig{
			QueueCap:         50,
			PrebufferChunks:  2,
			PrebufferTimeout: 250 * time.Millisecond,
			Strategy:         "auto",
			QuietWindow:      500 * time.Millisecond,
		},
		Cache: CacheConfig{
			Enabled: true,
			Path:    filepath.Join(home, ".avatarclient", "audio.db"),
		},
		Avatar: AvatarConfig{
			BlinkInterval:  4 * time.Second,
			MorphEase:      0.35,
			IdleAnimation:  true,
			MouthSensitive: 1.0,
		},
	}
}

// Load reads configuration from file and environment
func Load() (*Config, error) {
	cfg := DefaultConfig()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return cfg, err
	}

	configDir := filepath.Join(homeDir, ".avatarclient")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return cfg, err
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("AVATARCLIENT")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return cfg, err
		}
		// Config file not found, use defaults and create one
		if err := Save(cfg); err != nil {
			return cfg, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Save writes the configuration to file
func Save(cfg *Config) error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	configDir := filepath.Join(homeDir, ".avatarclient")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}

	viper.Set("server", cfg.Server)
	viper.Set("user", cfg.User)
	viper.Set("analysis", cfg.Analysis)
	viper.Set("lipsync", cfg.LipSync)
	viper.Set("accumulator", cfg.Accumulator)
	viper.Set("playback", cfg.Playback)
	viper.Set("cache", cfg.Cache)
	viper.Set("avatar", cfg.Avatar)

	configPath := filepath.Join(configDir, "config.yaml")
	return viper.WriteConfigAs(configPath)
}

// Watch reloads on config file changes and invokes onChange with the new config.
func Watch(onChange func(*Config)) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		cfg := DefaultConfig()
		if err := viper.Unmarshal(cfg); err != nil {
			return
		}
		onChange(cfg)
	})
	viper.WatchConfig()
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".avatarclient"), nil
}
