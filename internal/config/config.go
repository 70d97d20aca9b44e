package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode        string        `mapstructure:"mode"`
	Port        int           `mapstructure:"port"`
	AdminSecret string        `mapstructure:"admin_secret"`
	Secret      string        `mapstructure:"secret"`
	ReadLimit   int64         `mapstructure:"read_limit"`
	PingPeriod  time.Duration `mapstructure:"ping_period"`

	// Media worker settings, consumed opaquely by the pool.
	WorkerCount int      `mapstructure:"worker_count"`
	RTCMinPort  uint16   `mapstructure:"rtc_min_port"`
	RTCMaxPort  uint16   `mapstructure:"rtc_max_port"`
	ICEServers  []string `mapstructure:"ice_servers"`

	// Room lifecycle.
	RoomGracePeriod time.Duration `mapstructure:"room_grace_period"`
	FatalExitDelay  time.Duration `mapstructure:"fatal_exit_delay"`
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
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("worker_count", 4)
	v.SetDefault("rtc_min_port", 40000)
	v.SetDefault("rtc_max_port", 49999)
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("room_grace_period", "30s")
	v.SetDefault("fatal_exit_delay", "3s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.WorkerCount < 1 {
		return nil, fmt.Errorf("worker_count must be >= 1, got %d", cfg.WorkerCount)
	}
	if cfg.RTCMinPort >= cfg.RTCMaxPort {
		return nil, fmt.Errorf("rtc port range invalid: %d..%d", cfg.RTCMinPort, cfg.RTCMaxPort)
	}
	return &cfg, nil
}
