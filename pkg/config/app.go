package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. MULTICLIENT_THREADS.
const EnvPrefix = "MULTICLIENT"

// Application config errors.
var (
	ErrNoGlobalConfig   = errors.New("global_config is required")
	ErrUnknownTransport = errors.New("unknown transport")
)

// Supported backend transports.
const (
	TransportJSONRPC = "jsonrpc"
	TransportGRPC    = "grpc"
)

// Probe holds worker health check timings.
type Probe struct {
	Interval                  time.Duration `mapstructure:"interval"`
	FirstCheckDelay           time.Duration `mapstructure:"first_check_delay"`
	ArchivalInterval          time.Duration `mapstructure:"archival_interval"`
	FirstArchivalDelay        time.Duration `mapstructure:"first_archival_delay"`
	RetryInterval             time.Duration `mapstructure:"retry_interval"`
	MaxConsecutiveCheckErrors int           `mapstructure:"max_consecutive_check_errors"`
	InitRetryInterval         time.Duration `mapstructure:"init_retry_interval"`
}

// App is the process configuration.
type App struct {
	GlobalConfig   string        `mapstructure:"global_config"`
	KeyStore       string        `mapstructure:"keystore"`
	ResetKeyStore  bool          `mapstructure:"reset_keystore"`
	BlockchainName string        `mapstructure:"blockchain_name"`
	Threads        int           `mapstructure:"threads"`
	Transport      string        `mapstructure:"transport"`
	Token          string        `mapstructure:"token"`
	UseTLS         bool          `mapstructure:"use_tls"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	SessionKey     string        `mapstructure:"session_key"`
	ListenAddr     string        `mapstructure:"listen_addr"`
	DashboardAddr  string        `mapstructure:"dashboard_addr"`
	GRPCAddr       string        `mapstructure:"grpc_addr"`
	GRPCToken      string        `mapstructure:"grpc_token"`
	LogLevel       string        `mapstructure:"log_level"`
	Probe          Probe         `mapstructure:"probe"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("global_config", "")
	v.SetDefault("keystore", "")
	v.SetDefault("reset_keystore", false)
	v.SetDefault("blockchain_name", "mainnet")
	v.SetDefault("threads", 1)
	v.SetDefault("transport", TransportJSONRPC)
	v.SetDefault("token", "")
	v.SetDefault("use_tls", false)
	v.SetDefault("request_timeout", 10*time.Second)
	v.SetDefault("cache_ttl", time.Duration(0))
	v.SetDefault("session_key", "")
	v.SetDefault("listen_addr", ":8081")
	v.SetDefault("dashboard_addr", "")
	v.SetDefault("grpc_addr", "")
	v.SetDefault("grpc_token", "")
	v.SetDefault("log_level", "info")

	v.SetDefault("probe.interval", time.Second)
	v.SetDefault("probe.first_check_delay", time.Second)
	v.SetDefault("probe.archival_interval", 120*time.Second)
	v.SetDefault("probe.first_archival_delay", 5*time.Second)
	v.SetDefault("probe.retry_interval", 10*time.Second)
	v.SetDefault("probe.max_consecutive_check_errors", 0)
	v.SetDefault("probe.init_retry_interval", 5*time.Second)
}

// LoadApp reads the application config. Values come from, in increasing
// precedence: defaults, the YAML file at path (optional), MULTICLIENT_*
// environment variables, and flags that were explicitly set. Flag names map
// to keys by replacing '-' with '_'.
func LoadApp(path string, flags *pflag.FlagSet) (*App, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if bindErr != nil || f.Name == "config" {
				return
			}
			key := strings.ReplaceAll(f.Name, "-", "_")
			if err := v.BindPFlag(key, f); err != nil {
				bindErr = fmt.Errorf("bind flag %s: %w", f.Name, err)
			}
		})
		if bindErr != nil {
			return nil, bindErr
		}
	}

	var c App
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &c, nil
}

// Validate checks the settings needed to start the client.
func (c *App) Validate() error {
	if c.GlobalConfig == "" {
		return ErrNoGlobalConfig
	}
	switch c.Transport {
	case TransportJSONRPC, TransportGRPC:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTransport, c.Transport)
	}
	return nil
}
