// Package config provides the node's configuration: viper-backed with
// defaults, a config file, LODE_-prefixed environment variables, and cobra
// flag bindings, in ascending precedence.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the merged node configuration.
type Config struct {
	DataDir       string              `mapstructure:"data_dir"`
	Authority     string              `mapstructure:"authority"` // issuing authority address
	ProbeWindow   uint64              `mapstructure:"probe_window"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// StorageConfig names the physical backends for the ledger and the
// metadata store.
type StorageConfig struct {
	Ledger BackendConfig `mapstructure:"ledger"`
	Meta   BackendConfig `mapstructure:"meta"`
}

type BackendConfig struct {
	Backend string            `mapstructure:"backend"`
	Config  map[string]string `mapstructure:"config"`
}

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
	MetricsAddr    string `mapstructure:"metrics_addr"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	OTLPProtocol   string `mapstructure:"otlp_protocol"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
}

// DefaultDataDir returns ~/.lode.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lode"
	}
	return filepath.Join(home, ".lode")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("authority", "")
	v.SetDefault("probe_window", 100)

	v.SetDefault("http.addr", ":8420")

	v.SetDefault("storage.ledger.backend", "badger")
	v.SetDefault("storage.meta.backend", "fs")

	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_format", "text")
	v.SetDefault("observability.metrics_addr", ":9090")
	v.SetDefault("observability.otlp_endpoint", "")
	v.SetDefault("observability.otlp_protocol", "http")
	v.SetDefault("observability.service_name", "lode-node")
	v.SetDefault("observability.service_version", "dev")
}

// BindStartFlags binds cobra flags to viper for the node start command.
func BindStartFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.Flags()
	f.String("data-dir", "", "data directory (default ~/.lode)")
	f.String("addr", "", "HTTP listen address")
	f.String("config", "", "config file path")
	f.String("authority", "", "issuing authority address")
	f.String("ledger-backend", "", "ledger backend (memory, badger, sqlite, redis)")
	f.String("meta-backend", "", "metadata backend (memory, fs, s3)")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("log-format", "", "log format (json, text)")
	f.String("metrics-addr", "", "metrics HTTP listen address")

	_ = v.BindPFlag("data_dir", f.Lookup("data-dir"))
	_ = v.BindPFlag("http.addr", f.Lookup("addr"))
	_ = v.BindPFlag("authority", f.Lookup("authority"))
	_ = v.BindPFlag("storage.ledger.backend", f.Lookup("ledger-backend"))
	_ = v.BindPFlag("storage.meta.backend", f.Lookup("meta-backend"))
	_ = v.BindPFlag("observability.log_level", f.Lookup("log-level"))
	_ = v.BindPFlag("observability.log_format", f.Lookup("log-format"))
	_ = v.BindPFlag("observability.metrics_addr", f.Lookup("metrics-addr"))
}

// Load reads config from flags, env, and file, returning the merged Config.
func Load(v *viper.Viper, configFile string) (Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("LODE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("lode")
		v.SetConfigType("hcl")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.lode")
		v.AddConfigPath("/etc/lode")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configFile != "" {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
