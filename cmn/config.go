package cmn

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the proxy's full runtime configuration, read from a TOML file
// (first CLI argument, default DefaultConfigPath) and overlaid by
// UNDERMOON_-prefixed environment variables, mirroring gen_conf() in the
// teacher's server_proxy binary.
type Config struct {
	Address                string        `mapstructure:"address"`
	AnnounceAddress        string        `mapstructure:"announce_address"`
	AutoSelectDB           bool          `mapstructure:"auto_select_db"`
	SlowlogLen             int           `mapstructure:"slowlog_len"`
	SlowlogLogSlowerThanUs int64         `mapstructure:"slowlog_log_slower_than_us"`
	ThreadNumber           int           `mapstructure:"thread_number"`
	BackendPoolSize        int           `mapstructure:"backend_pool_size"`
	DialTimeout            time.Duration `mapstructure:"dial_timeout"`
	BackendQueueSize       int           `mapstructure:"backend_queue_size"`
	ReconnectBackoffMin    time.Duration `mapstructure:"reconnect_backoff_min"`
	ReconnectBackoffMax    time.Duration `mapstructure:"reconnect_backoff_max"`
	DeleteRate             uint64        `mapstructure:"delete_rate"`
	MetricsAddress         string        `mapstructure:"metrics_address"`
}

const envPrefix = "undermoon"

// DefaultConfigPath is used when no CLI argument names a config file.
const DefaultConfigPath = "server-proxy.toml"

func defaults() Config {
	return Config{
		Address:             "127.0.0.1:5299",
		AutoSelectDB:        false,
		SlowlogLen:          1024,
		ThreadNumber:        4,
		BackendPoolSize:     1,
		DialTimeout:         time.Second,
		BackendQueueSize:    1024,
		ReconnectBackoffMin: 100 * time.Millisecond,
		ReconnectBackoffMax: 10 * time.Second,
		DeleteRate:          10000,
		MetricsAddress:      "127.0.0.1:9299",
	}
}

// LoadConfig reads confPath and overlays UNDERMOON_* environment variables.
// A missing config file is reported back through err but cfg is still
// usable with defaults; callers decide whether that's fatal.
func LoadConfig(confPath string) (Config, error) {
	cfg := defaults()

	v := viper.New()
	v.SetConfigFile(confPath)
	v.SetConfigType("toml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, cfg)

	readErr := v.ReadInConfig()

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	if cfg.AnnounceAddress == "" {
		cfg.AnnounceAddress = cfg.Address
	}
	return cfg, readErr
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("address", cfg.Address)
	v.SetDefault("announce_address", cfg.AnnounceAddress)
	v.SetDefault("auto_select_db", cfg.AutoSelectDB)
	v.SetDefault("slowlog_len", cfg.SlowlogLen)
	v.SetDefault("slowlog_log_slower_than_us", cfg.SlowlogLogSlowerThanUs)
	v.SetDefault("thread_number", cfg.ThreadNumber)
	v.SetDefault("backend_pool_size", cfg.BackendPoolSize)
	v.SetDefault("dial_timeout", cfg.DialTimeout)
	v.SetDefault("backend_queue_size", cfg.BackendQueueSize)
	v.SetDefault("reconnect_backoff_min", cfg.ReconnectBackoffMin)
	v.SetDefault("reconnect_backoff_max", cfg.ReconnectBackoffMax)
	v.SetDefault("delete_rate", cfg.DeleteRate)
	v.SetDefault("metrics_address", cfg.MetricsAddress)
}
