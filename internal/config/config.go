package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the relay runtime parameters.
type Config struct {
	LogLevel            string         `mapstructure:"log_level"`
	LogEncoding         string         `mapstructure:"log_encoding"`
	OperatorID          int64          `mapstructure:"operator_id"`
	ShutdownGracePeriod time.Duration  `mapstructure:"shutdown_grace_period"`
	Store               StoreConfig    `mapstructure:"store"`
	Keystore            KeystoreConfig `mapstructure:"keystore"`
	Bus                 BusConfig      `mapstructure:"bus"`
	Admin               AdminConfig    `mapstructure:"admin"`
	GRPC                GRPCConfig     `mapstructure:"grpc"`
}

// StoreConfig selects the record store.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// KeystoreConfig describes how the keystore backend is initialized.
type KeystoreConfig struct {
	Path          string `mapstructure:"path"`
	PassphraseEnv string `mapstructure:"passphrase_env"`
}

// BusConfig describes the NATS connection to the chat gateway.
type BusConfig struct {
	URL             string        `mapstructure:"url"`
	Name            string        `mapstructure:"name"`
	CredentialsFile string        `mapstructure:"credentials_file"`
	InboundSubject  string        `mapstructure:"inbound_subject"`
	OutboundPrefix  string        `mapstructure:"outbound_prefix"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ReconnectWait   time.Duration `mapstructure:"reconnect_wait"`
	MaxReconnects   int           `mapstructure:"max_reconnects"`
	Workers         int           `mapstructure:"workers"`
	QueueSize       int           `mapstructure:"queue_size"`
}

// AdminConfig controls the metrics and health endpoint.
type AdminConfig struct {
	Address           string        `mapstructure:"address"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

// GRPCConfig controls the health service listener.
type GRPCConfig struct {
	Address           string        `mapstructure:"address"`
	KeepaliveTime     time.Duration `mapstructure:"keepalive_time"`
	KeepaliveTimeout  time.Duration `mapstructure:"keepalive_timeout"`
	MaxConnectionIdle time.Duration `mapstructure:"max_connection_idle"`
}

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

const (
	defaultLogLevel            = "info"
	defaultLogEncoding         = "json"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultStoreDriver         = DriverSQLite
	defaultStorePath           = "data/relay.db"
	defaultPassphraseEnv       = "RELAY_KEYSTORE_PASSPHRASE"
	defaultKeystorePath        = "data/keystore.cbor"
	defaultBusURL              = "nats://127.0.0.1:4222"
	defaultBusName             = "anon-relay"
	defaultInboundSubject      = "relay.inbound"
	defaultOutboundPrefix      = "relay.outbound"
	defaultRequestTimeout      = 5 * time.Second
	defaultReconnectWait       = 2 * time.Second
	defaultMaxReconnects       = -1
	defaultWorkers             = 4
	defaultQueueSize           = 256
	defaultAdminAddress        = "127.0.0.1:9090"
	defaultReadHeaderTimeout   = 5 * time.Second
	defaultGRPCAddress         = "0.0.0.0:50051"
	defaultKeepaliveTime       = 30 * time.Second
	defaultKeepaliveTimeout    = 10 * time.Second
	defaultMaxConnectionIdle   = 5 * time.Minute
)

var durationDefaults = map[string]time.Duration{
	"shutdown_grace_period":     defaultShutdownGracePeriod,
	"bus.request_timeout":       defaultRequestTimeout,
	"bus.reconnect_wait":        defaultReconnectWait,
	"admin.read_header_timeout": defaultReadHeaderTimeout,
	"grpc.keepalive_time":       defaultKeepaliveTime,
	"grpc.keepalive_timeout":    defaultKeepaliveTimeout,
	"grpc.max_connection_idle":  defaultMaxConnectionIdle,
}

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with RELAY_ and can override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RELAY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("log_encoding", defaultLogEncoding)
	v.SetDefault("operator_id", 0)
	v.SetDefault("store.driver", defaultStoreDriver)
	v.SetDefault("store.path", defaultStorePath)
	v.SetDefault("keystore.path", defaultKeystorePath)
	v.SetDefault("keystore.passphrase_env", defaultPassphraseEnv)
	v.SetDefault("bus.url", defaultBusURL)
	v.SetDefault("bus.name", defaultBusName)
	v.SetDefault("bus.credentials_file", "")
	v.SetDefault("bus.inbound_subject", defaultInboundSubject)
	v.SetDefault("bus.outbound_prefix", defaultOutboundPrefix)
	v.SetDefault("bus.max_reconnects", defaultMaxReconnects)
	v.SetDefault("bus.workers", defaultWorkers)
	v.SetDefault("bus.queue_size", defaultQueueSize)
	v.SetDefault("admin.address", defaultAdminAddress)
	v.SetDefault("grpc.address", defaultGRPCAddress)
	for key, def := range durationDefaults {
		v.SetDefault(key, def.String())
	}

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

	// Viper leaves durations as strings; normalize them here.
	durations := map[string]*time.Duration{
		"shutdown_grace_period":     &cfg.ShutdownGracePeriod,
		"bus.request_timeout":       &cfg.Bus.RequestTimeout,
		"bus.reconnect_wait":        &cfg.Bus.ReconnectWait,
		"admin.read_header_timeout": &cfg.Admin.ReadHeaderTimeout,
		"grpc.keepalive_time":       &cfg.GRPC.KeepaliveTime,
		"grpc.keepalive_timeout":    &cfg.GRPC.KeepaliveTimeout,
		"grpc.max_connection_idle":  &cfg.GRPC.MaxConnectionIdle,
	}
	for key, dst := range durations {
		dur, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		if dur <= 0 {
			dur = durationDefaults[key]
		}
		*dst = dur
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.LogEncoding == "" {
		cfg.LogEncoding = defaultLogEncoding
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = defaultStoreDriver
	}
	if cfg.Keystore.PassphraseEnv == "" {
		cfg.Keystore.PassphraseEnv = defaultPassphraseEnv
	}
	if cfg.Keystore.Path == "" {
		cfg.Keystore.Path = defaultKeystorePath
	}
	if cfg.Bus.Workers <= 0 {
		cfg.Bus.Workers = defaultWorkers
	}
	if cfg.Bus.QueueSize <= 0 {
		cfg.Bus.QueueSize = defaultQueueSize
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.OperatorID == 0 {
		return errors.New("operator_id is required")
	}
	switch c.Store.Driver {
	case DriverSQLite:
		if strings.TrimSpace(c.Store.Path) == "" {
			return errors.New("store.path is required for the sqlite driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.Bus.URL == "" {
		return errors.New("bus.url is required")
	}
	if c.Bus.InboundSubject == "" || c.Bus.OutboundPrefix == "" {
		return errors.New("bus subjects are required")
	}
	return nil
}

// Passphrase fetches the keystore passphrase from the configured environment variable.
func (c Config) Passphrase() (string, error) {
	env := c.Keystore.PassphraseEnv
	if env == "" {
		env = defaultPassphraseEnv
	}
	val := strings.TrimSpace(getenv(env))
	if val == "" {
		return "", fmt.Errorf("keystore passphrase env %s is empty", env)
	}
	return val, nil
}

// split out for testing.
var getenv = os.Getenv
