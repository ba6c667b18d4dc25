// Package config loads and validates the server's configuration surface:
// bind address, the three fixed listener ports, the spool directory, and
// the session/queue limits and timeouts.
//
// Loading follows viper + validator, bound to struct tags via reflection —
// an optional .env file is read first (silently, same as a missing file),
// then environment variables are bound and unmarshalled, then the result is
// validated before the caller ever sees it.
package config

import (
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full set of values the server reads at startup.
type Config struct {
	BindAddress string `mapstructure:"BIND_ADDRESS" validate:"required"`

	ControlPort int `mapstructure:"CONTROL_PORT" validate:"gt=0,lt=65536"`
	VideoPort   int `mapstructure:"VIDEO_PORT" validate:"gt=0,lt=65536"`
	AudioPort   int `mapstructure:"AUDIO_PORT" validate:"gt=0,lt=65536"`

	SpoolDir string `mapstructure:"SPOOL_DIR" validate:"required"`

	MaxFileSize     int64 `mapstructure:"MAX_FILE_SIZE" validate:"gt=0"`
	ChatHistorySize int   `mapstructure:"CHAT_HISTORY_SIZE" validate:"gt=0"`

	HeartbeatSoftS int `mapstructure:"HEARTBEAT_SOFT_S" validate:"gt=0"`
	HeartbeatHardS int `mapstructure:"HEARTBEAT_HARD_S" validate:"gtfield=HeartbeatSoftS"`

	MaxParticipants int `mapstructure:"MAX_PARTICIPANTS" validate:"gt=0"`
}

// ControlAddr, VideoAddr, AudioAddr are the "host:port" strings the
// transport listeners bind.
func (c *Config) ControlAddr() string { return fmt.Sprintf("%s:%d", c.BindAddress, c.ControlPort) }
func (c *Config) VideoAddr() string   { return fmt.Sprintf("%s:%d", c.BindAddress, c.VideoPort) }
func (c *Config) AudioAddr() string   { return fmt.Sprintf("%s:%d", c.BindAddress, c.AudioPort) }

// HeartbeatSoft and HeartbeatHard convert the configured second counts into
// durations for the liveness monitor.
func (c *Config) HeartbeatSoft() time.Duration { return time.Duration(c.HeartbeatSoftS) * time.Second }
func (c *Config) HeartbeatHard() time.Duration { return time.Duration(c.HeartbeatHardS) * time.Second }

// bindEnv walks Config's mapstructure tags and registers each with viper,
// so AutomaticEnv + Unmarshal can see them even when no .env value and no
// process env value is set (viper only unmarshals keys it knows about).
func bindEnv(c Config) {
	val := reflect.ValueOf(c)
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		tag := typ.Field(i).Tag.Get("mapstructure")
		if tag != "" {
			_ = viper.BindEnv(tag)
		}
	}
}

// Load reads an optional .env file, binds the environment, applies
// defaults, and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	bindEnv(Config{})
	viper.AutomaticEnv()

	viper.SetDefault("BIND_ADDRESS", "0.0.0.0")
	viper.SetDefault("CONTROL_PORT", 8888)
	viper.SetDefault("VIDEO_PORT", 8889)
	viper.SetDefault("AUDIO_PORT", 8890)
	viper.SetDefault("SPOOL_DIR", "./uploads")
	viper.SetDefault("MAX_FILE_SIZE", 100*1024*1024)
	viper.SetDefault("CHAT_HISTORY_SIZE", 500)
	viper.SetDefault("HEARTBEAT_SOFT_S", 20)
	viper.SetDefault("HEARTBEAT_HARD_S", 30)
	viper.SetDefault("MAX_PARTICIPANTS", 100)

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	slog.Info("loaded configuration",
		"bind_address", cfg.BindAddress,
		"control_port", cfg.ControlPort,
		"video_port", cfg.VideoPort,
		"audio_port", cfg.AudioPort,
		"spool_dir", cfg.SpoolDir,
		"max_file_size", cfg.MaxFileSize,
		"chat_history_size", cfg.ChatHistorySize,
		"heartbeat_soft_s", cfg.HeartbeatSoftS,
		"heartbeat_hard_s", cfg.HeartbeatHardS,
		"max_participants", cfg.MaxParticipants,
	)

	return &cfg, nil
}
