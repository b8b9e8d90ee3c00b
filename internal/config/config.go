package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	StaticPath string `mapstructure:"static_path"`

	// EngineMode selects the media-engine adapter: "kurento" talks to
	// a remote Kurento over EngineURL, "embedded" terminates media
	// in-process.
	EngineMode string `mapstructure:"engine_mode"`
	EngineURL  string `mapstructure:"engine_url"`

	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	ReadLimit          int64         `mapstructure:"read_limit"`
	SendBuffer         int           `mapstructure:"send_buffer"`

	MsgRateLimit  int           `mapstructure:"msg_rate_limit"`
	MsgRateWindow time.Duration `mapstructure:"msg_rate_window"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8081)
	v.SetDefault("static_path", "./static")
	v.SetDefault("engine_mode", "kurento")
	v.SetDefault("engine_url", "ws://localhost:8888/kurento")
	v.SetDefault("negotiation_timeout", "15s")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("send_buffer", 32)
	v.SetDefault("msg_rate_limit", 64)
	v.SetDefault("msg_rate_window", "1s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
