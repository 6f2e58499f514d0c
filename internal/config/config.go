package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`

	Log    LogConfig    `mapstructure:"log"`
	Signal SignalConfig `mapstructure:"signal"`
	Engine EngineConfig `mapstructure:"engine"`
	Chat   ChatConfig   `mapstructure:"chat"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type SignalConfig struct {
	SendBuffer     int           `mapstructure:"send_buffer"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
}

type EngineConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	GatherTimeout  time.Duration `mapstructure:"gather_timeout"`
	ICEServers     []string      `mapstructure:"ice_servers"`
	UDPPortMin     uint16        `mapstructure:"udp_port_min"`
	UDPPortMax     uint16        `mapstructure:"udp_port_max"`
	PLIInterval    time.Duration `mapstructure:"pli_interval"`
}

type ChatConfig struct {
	// Bus is "local" or "redis".
	Bus              string        `mapstructure:"bus"`
	AutoDataProducer bool          `mapstructure:"auto_data_producer"`
	RateLimit        int           `mapstructure:"rate_limit"`
	RateInterval     time.Duration `mapstructure:"rate_interval"`
	Redis            RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "stream-dev-secret")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", true)

	v.SetDefault("signal.send_buffer", 64)
	v.SetDefault("signal.request_timeout", "15s")
	v.SetDefault("signal.write_wait", "10s")

	v.SetDefault("engine.request_timeout", "10s")
	v.SetDefault("engine.gather_timeout", "5s")
	v.SetDefault("engine.ice_servers", []string{})
	v.SetDefault("engine.udp_port_min", 0)
	v.SetDefault("engine.udp_port_max", 0)
	v.SetDefault("engine.pli_interval", "3s")

	v.SetDefault("chat.bus", "local")
	v.SetDefault("chat.auto_data_producer", true)
	v.SetDefault("chat.rate_limit", 20)
	v.SetDefault("chat.rate_interval", "10s")
	v.SetDefault("chat.redis.address", "localhost:6379")
	v.SetDefault("chat.redis.db", 0)
	v.SetDefault("chat.redis.channel", "stream:chat")
}

func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile reads fileName when it exists; defaults and STREAM_* environment
// variables apply either way.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("STREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Chat bus: %s\n", cfg.Mode, cfg.Port, cfg.Chat.Bus)
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Chat.Bus {
	case "local", "redis":
	default:
		return fmt.Errorf("unknown chat.bus %q", c.Chat.Bus)
	}
	if c.Engine.UDPPortMin > c.Engine.UDPPortMax {
		return fmt.Errorf("engine.udp_port_min %d > engine.udp_port_max %d", c.Engine.UDPPortMin, c.Engine.UDPPortMax)
	}
	if c.Signal.SendBuffer <= 0 {
		return fmt.Errorf("signal.send_buffer must be positive")
	}
	return nil
}
