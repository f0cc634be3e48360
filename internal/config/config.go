package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the lobby node runtime parameters.
type Config struct {
	ListenAddress       string          `mapstructure:"listen_address"`
	AdminAddress        string          `mapstructure:"admin_address"`
	NodeID              string          `mapstructure:"node_id"`
	LogLevel            string          `mapstructure:"log_level"`
	LogConsole          bool            `mapstructure:"log_console"`
	ShutdownGracePeriod time.Duration   `mapstructure:"shutdown_grace_period"`
	Auth                AuthConfig      `mapstructure:"auth"`
	Session             SessionConfig   `mapstructure:"session"`
	Broker              BrokerConfig    `mapstructure:"broker"`
	Directory           DirectoryConfig `mapstructure:"directory"`
	Admin               AdminConfig     `mapstructure:"admin"`
}

// AuthConfig describes token verification. The signing secret is never placed
// in the config file; SecretEnv names the environment variable holding it.
type AuthConfig struct {
	SecretEnv string        `mapstructure:"secret_env"`
	Issuer    string        `mapstructure:"issuer"`
	Leeway    time.Duration `mapstructure:"leeway"`
}

// SessionConfig bounds the per-connection lifecycle.
type SessionConfig struct {
	AuthTimeout    time.Duration `mapstructure:"auth_timeout"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	QueueFullLimit int           `mapstructure:"queue_full_limit"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	PongTimeout    time.Duration `mapstructure:"pong_timeout"`
	MaxFrameBytes  int64         `mapstructure:"max_frame_bytes"`
}

// BrokerConfig selects and tunes the relay's broker client.
type BrokerConfig struct {
	Kind            string        `mapstructure:"kind"` // "memory" or "kafka"
	Brokers         []string      `mapstructure:"brokers"`
	Topic           string        `mapstructure:"topic"`
	PublishAttempts int           `mapstructure:"publish_attempts"`
	PublishMin      time.Duration `mapstructure:"publish_min_backoff"`
	PublishMax      time.Duration `mapstructure:"publish_max_backoff"`
	PublishBudget   time.Duration `mapstructure:"publish_budget"`
	PendingLimit    int           `mapstructure:"pending_limit"`
	ReconnectMin    time.Duration `mapstructure:"reconnect_min_backoff"`
	ReconnectMax    time.Duration `mapstructure:"reconnect_max_backoff"`
}

// DirectoryConfig selects the user-identity lookup backend.
type DirectoryConfig struct {
	Kind        string        `mapstructure:"kind"` // "static" or "mongo"
	URI         string        `mapstructure:"uri"`
	Database    string        `mapstructure:"database"`
	Collection  string        `mapstructure:"collection"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxPoolSize uint64        `mapstructure:"max_pool_size"`
}

// AdminConfig tunes the metrics/health HTTP listener.
type AdminConfig struct {
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

const (
	defaultListenAddress       = "0.0.0.0:8420"
	defaultAdminAddress        = "127.0.0.1:9420"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultSecretEnv           = "LOBBY_TOKEN_SECRET"
	defaultIssuer              = "lobbyrelay"
	defaultLeeway              = 30 * time.Second
	defaultAuthTimeout         = 5 * time.Second
	defaultSendBuffer          = 32
	defaultQueueFullLimit      = 3
	defaultWriteTimeout        = 10 * time.Second
	defaultPongTimeout         = 60 * time.Second
	defaultMaxFrameBytes       = 4096
	defaultBrokerKind          = "memory"
	defaultTopic               = "lobby.chat"
	defaultPublishAttempts     = 5
	defaultPublishMin          = 50 * time.Millisecond
	defaultPublishMax          = 2 * time.Second
	defaultPublishBudget       = 10 * time.Second
	defaultPendingLimit        = 256
	defaultReconnectMin        = 250 * time.Millisecond
	defaultReconnectMax        = 15 * time.Second
	defaultDirectoryKind       = "static"
	defaultMongoTimeout        = 3 * time.Second
	defaultMongoPoolSize       = 16
	defaultReadHeaderTimeout   = 5 * time.Second
)

// Load reads configuration from the provided file path (if any) and the
// environment. Environment variables are prefixed with LOBBY_ and can
// override file values, e.g. LOBBY_BROKER_KIND=kafka.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LOBBY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("listen_address", defaultListenAddress)
	v.SetDefault("admin_address", defaultAdminAddress)
	v.SetDefault("node_id", "")
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("log_console", false)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod)
	v.SetDefault("auth.secret_env", defaultSecretEnv)
	v.SetDefault("auth.issuer", defaultIssuer)
	v.SetDefault("auth.leeway", defaultLeeway)
	v.SetDefault("session.auth_timeout", defaultAuthTimeout)
	v.SetDefault("session.send_buffer", defaultSendBuffer)
	v.SetDefault("session.queue_full_limit", defaultQueueFullLimit)
	v.SetDefault("session.write_timeout", defaultWriteTimeout)
	v.SetDefault("session.pong_timeout", defaultPongTimeout)
	v.SetDefault("session.max_frame_bytes", defaultMaxFrameBytes)
	v.SetDefault("broker.kind", defaultBrokerKind)
	v.SetDefault("broker.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("broker.topic", defaultTopic)
	v.SetDefault("broker.publish_attempts", defaultPublishAttempts)
	v.SetDefault("broker.publish_min_backoff", defaultPublishMin)
	v.SetDefault("broker.publish_max_backoff", defaultPublishMax)
	v.SetDefault("broker.publish_budget", defaultPublishBudget)
	v.SetDefault("broker.pending_limit", defaultPendingLimit)
	v.SetDefault("broker.reconnect_min_backoff", defaultReconnectMin)
	v.SetDefault("broker.reconnect_max_backoff", defaultReconnectMax)
	v.SetDefault("directory.kind", defaultDirectoryKind)
	v.SetDefault("directory.uri", "")
	v.SetDefault("directory.database", "lobby")
	v.SetDefault("directory.collection", "users")
	v.SetDefault("directory.timeout", defaultMongoTimeout)
	v.SetDefault("directory.max_pool_size", defaultMongoPoolSize)
	v.SetDefault("admin.read_header_timeout", defaultReadHeaderTimeout)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ListenAddress == "" {
		return errors.New("listen_address is required")
	}
	switch c.Broker.Kind {
	case "memory":
	case "kafka":
		if len(c.Broker.Brokers) == 0 {
			return errors.New("broker.brokers is required for kafka")
		}
		if c.Broker.Topic == "" {
			return errors.New("broker.topic is required for kafka")
		}
	default:
		return fmt.Errorf("unknown broker.kind %q", c.Broker.Kind)
	}
	switch c.Directory.Kind {
	case "static":
	case "mongo":
		if c.Directory.URI == "" {
			return errors.New("directory.uri is required for mongo")
		}
	default:
		return fmt.Errorf("unknown directory.kind %q", c.Directory.Kind)
	}
	if c.Session.SendBuffer <= 0 {
		return errors.New("session.send_buffer must be positive")
	}
	if c.Session.QueueFullLimit <= 0 {
		return errors.New("session.queue_full_limit must be positive")
	}
	if c.Broker.PendingLimit <= 0 {
		return errors.New("broker.pending_limit must be positive")
	}
	return nil
}

// TokenSecret fetches the signing secret from the configured environment
// variable. The secret never lives in the config file.
func (c Config) TokenSecret() ([]byte, error) {
	env := c.Auth.SecretEnv
	if env == "" {
		env = defaultSecretEnv
	}
	val := strings.TrimSpace(getenv(env))
	if val == "" {
		return nil, fmt.Errorf("token secret env %s is empty", env)
	}
	return []byte(val), nil
}

// split out for testing.
var getenv = os.Getenv
