package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	Relay RelayConfig `mapstructure:"relay"`
	Agent AgentConfig `mapstructure:"agent"`
	Mesh  MeshConfig  `mapstructure:"mesh"`
}

type RelayConfig struct {
	PresenceGrace time.Duration `mapstructure:"presence_grace"`
	JoinLimit     int           `mapstructure:"join_limit"`
	JoinInterval  time.Duration `mapstructure:"join_interval"`
	MessageRate   float64       `mapstructure:"message_rate"`
	MessageBurst  int           `mapstructure:"message_burst"`
	RedisAddr     string        `mapstructure:"redis_addr"`
}

type AgentConfig struct {
	SignalURL   string   `mapstructure:"signal_url"`
	Room        string   `mapstructure:"room"`
	PeerID      string   `mapstructure:"peer_id"`
	DisplayName string   `mapstructure:"display_name"`
	ControlAddr string   `mapstructure:"control_addr"`
	InputFile   string   `mapstructure:"input_file"`
	RecordDir   string   `mapstructure:"record_dir"`
	ICEServers  []string `mapstructure:"ice_servers"`
}

type MeshConfig struct {
	MaxPeers               int           `mapstructure:"max_peers"`
	HealthInterval         time.Duration `mapstructure:"health_interval"`
	ConnectionTimeout      time.Duration `mapstructure:"connection_timeout"`
	MaxReconnectAttempts   int           `mapstructure:"max_reconnect_attempts"`
	BackoffBase            time.Duration `mapstructure:"backoff_base"`
	BackoffMax             time.Duration `mapstructure:"backoff_max"`
	SweepInterval          time.Duration `mapstructure:"sweep_interval"`
	CandidateFlushInterval time.Duration `mapstructure:"candidate_flush_interval"`
	CandidateTTL           time.Duration `mapstructure:"candidate_ttl"`
	GraceWindow            time.Duration `mapstructure:"grace_window"`
	HeartbeatInterval      time.Duration `mapstructure:"heartbeat_interval"`
	LevelInterval          time.Duration `mapstructure:"level_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "change-me")
	v.SetDefault("log_level", "info")

	v.SetDefault("relay.presence_grace", "10s")
	v.SetDefault("relay.join_limit", 5)
	v.SetDefault("relay.join_interval", "10s")
	v.SetDefault("relay.message_rate", 50)
	v.SetDefault("relay.message_burst", 100)
	v.SetDefault("relay.redis_addr", "")

	v.SetDefault("agent.signal_url", "ws://127.0.0.1:8080/api/ws/signal")
	v.SetDefault("agent.room", "lobby")
	v.SetDefault("agent.peer_id", "")
	v.SetDefault("agent.display_name", "")
	v.SetDefault("agent.control_addr", "127.0.0.1:7070")
	v.SetDefault("agent.input_file", "")
	v.SetDefault("agent.record_dir", "")
	v.SetDefault("agent.ice_servers", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("mesh.max_peers", 9)
	v.SetDefault("mesh.health_interval", "5s")
	v.SetDefault("mesh.connection_timeout", "15s")
	v.SetDefault("mesh.max_reconnect_attempts", 3)
	v.SetDefault("mesh.backoff_base", "800ms")
	v.SetDefault("mesh.backoff_max", "8s")
	v.SetDefault("mesh.sweep_interval", "2s")
	v.SetDefault("mesh.candidate_flush_interval", "200ms")
	v.SetDefault("mesh.candidate_ttl", "30s")
	v.SetDefault("mesh.grace_window", "10s")
	v.SetDefault("mesh.heartbeat_interval", "5s")
	v.SetDefault("mesh.level_interval", "200ms")
}

// Load reads config/config.<CONFIG_ENV>.yaml, then JAM_* environment
// variables, then any flags set on fs (may be nil).
func Load(fs *pflag.FlagSet) (*Config, error) {
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

	setDefaults(v)

	v.SetEnvPrefix("JAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Msg("config ready")
	return &cfg, nil
}

// Level parses log_level, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
