// Package config provides a reusable loader for Tycho configuration
// files and environment variables: a single viper-backed Config struct
// plus an environment-specific merge step, in the shape of the
// teacher's pkg/config loader.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"tycho/pkg/errs"
)

// Config is the unified configuration for either a tycho-indexer or a
// tycho-client process. Each cmd/ entrypoint reads only the sections it
// needs.
type Config struct {
	Extractor struct {
		Name           string `mapstructure:"name"`
		Chain          string `mapstructure:"chain"`
		ProtocolSystem string `mapstructure:"protocol_system"`
		// Flavor selects the state machine: "vm" (per-account deltas)
		// or "native" (per-component attribute deltas), spec.md §2.
		Flavor string `mapstructure:"flavor"`
	} `mapstructure:"extractor"`

	Upstream struct {
		Endpoint    string `mapstructure:"endpoint"`
		Token       string `mapstructure:"token"`
		PackageFile string `mapstructure:"package_file"`
		ModuleName  string `mapstructure:"module_name"`
		StartBlock  int64  `mapstructure:"start_block"`
		EndBlock    int64  `mapstructure:"end_block"`
		// RPCEndpoint is a plain JSON-RPC node used for chain-head
		// polling and token metadata lookups (internal/rpc), distinct
		// from the firehose-style streaming Endpoint above.
		RPCEndpoint string `mapstructure:"rpc_endpoint"`
	} `mapstructure:"upstream"`

	Storage struct {
		PostgresDSN      string `mapstructure:"postgres_dsn"`
		BatchSize        int    `mapstructure:"batch_size"`
		SyncingThreshold uint64 `mapstructure:"syncing_threshold"`
		TokenCacheSize   int    `mapstructure:"token_cache_size"`
	} `mapstructure:"storage"`

	Tokens struct {
		MaxRPCInFlight int64 `mapstructure:"max_rpc_in_flight"`
	} `mapstructure:"tokens"`

	API struct {
		HTTPAddr string `mapstructure:"http_addr"`
		WSAddr   string `mapstructure:"ws_addr"`
	} `mapstructure:"api"`

	Metrics struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"metrics"`

	Client struct {
		BlockTime time.Duration `mapstructure:"block_time"`
		Timeout   time.Duration `mapstructure:"timeout"`
		Servers   []string      `mapstructure:"servers"`
	} `mapstructure:"client"`

	Logging struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads the default configuration file and merges an
// environment-specific override. The resulting configuration is stored
// in AppConfig and returned.
func Load(env string) (*Config, error) {
	_ = godotenv.Load() // best-effort; values are then picked up by AutomaticEnv

	viper.SetConfigName("default")
	viper.AddConfigPath("config")
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errs.Wrap(errs.Setup, "load config", err)
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, errs.Wrap(errs.Setup, fmt.Sprintf("merge %s config", env), err)
			}
		}
	}

	viper.AutomaticEnv() // picks up TYCHO_* overrides and .env values

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, errs.Wrap(errs.Setup, "unmarshal config", err)
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the TYCHO_ENV environment
// variable, mirroring the teacher's SYNN_ENV convention.
func LoadFromEnv() (*Config, error) {
	return Load(envOrDefault("TYCHO_ENV", ""))
}

// envOrDefault returns the value of the environment variable
// identified by key, or fallback if it is unset or empty.
func envOrDefault(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func setDefaults() {
	viper.SetDefault("extractor.flavor", "vm")
	viper.SetDefault("upstream.endpoint", "https://mainnet.eth.streamingfast.io:443")
	viper.SetDefault("upstream.module_name", "map_changes")
	viper.SetDefault("storage.batch_size", 0)
	viper.SetDefault("storage.syncing_threshold", uint64(5))
	viper.SetDefault("storage.token_cache_size", 10_000)
	viper.SetDefault("tokens.max_rpc_in_flight", int64(8))
	viper.SetDefault("api.http_addr", "127.0.0.1:4242")
	viper.SetDefault("api.ws_addr", "127.0.0.1:8080")
	viper.SetDefault("metrics.addr", "127.0.0.1:9090")
	viper.SetDefault("client.block_time", 12*time.Second)
	viper.SetDefault("client.timeout", 2*time.Second)
	viper.SetDefault("logging.level", "info")
}
