// Package config loads dstack-verifier's configuration in layers:
// compiled-in defaults, then a TOML file, then environment overrides,
// each taking precedence over the last.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds everything the verifier server and CLI need at startup.
type Config struct {
	Address                 string `mapstructure:"address"`
	Port                    int    `mapstructure:"port"`
	ImageCacheDir           string `mapstructure:"image_cache_dir"`
	PCCSURL                 string `mapstructure:"pccs_url"`
	ImageDownloadURL        string `mapstructure:"image_download_url"`
	ImageDownloadTimeoutSec int    `mapstructure:"image_download_timeout_secs"`
}

// DownloadTimeout returns the configured image download timeout as a
// time.Duration.
func (c Config) DownloadTimeout() time.Duration {
	return time.Duration(c.ImageDownloadTimeoutSec) * time.Second
}

// defaultTOML is the baseline configuration, embedded so the binary runs
// with sane values even with no config file present at all.
const defaultTOML = `
address = "127.0.0.1"
port = 8080
image_cache_dir = "./cache"
pccs_url = ""
image_download_url = "https://github.com/Dstack-TEE/meta-dstack/releases/download"
image_download_timeout_secs = 300
`

// envPrefix is the prefix every environment override must carry, e.g.
// DSTACK_VERIFIER_PORT=9090.
const envPrefix = "DSTACK_VERIFIER"

// Load layers the compiled-in defaults, the TOML file at path (if it
// exists — a missing file is not an error) and DSTACK_VERIFIER_*
// environment variables, in that order of increasing precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	if err := v.ReadConfig(bytes.NewBufferString(defaultTOML)); err != nil {
		return nil, fmt.Errorf("load default config: %w", err)
	}

	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
