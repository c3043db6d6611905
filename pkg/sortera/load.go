package sortera

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, for example SORTERA_BACKEND_KIND.
const EnvPrefix = "SORTERA"

// LoadConfig layers an optional YAML config file and SORTERA_* environment variables over DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	base, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("marshal defaults: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(base)); err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, &ConfigError{Field: "config", Reason: fmt.Sprintf("%s: %v", path, err)}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, &ConfigError{Field: "config", Reason: err.Error()}
	}
	return c, nil
}
