package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/sonhoai27/localsend/internal/localsend/constants"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Alias          string
	Port           int
	Dir            string
	HTTPS          bool
	PIN            string
	AcceptExt      []string
	AutoAccept     bool
	ConsentTimeout time.Duration
	History        string
	ProxyHeader    string
	Verbose        bool
}

// Load merges, from highest precedence: changed flags, LOCALSEND_* env vars,
// the YAML file at path (optional), defaults.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	v.SetDefault("alias", "")
	v.SetDefault("port", constants.DefaultPort)
	v.SetDefault("dir", ".")
	v.SetDefault("https", true)
	v.SetDefault("pin", "")
	v.SetDefault("accept-ext", "")
	v.SetDefault("auto-accept", false)
	v.SetDefault("consent-timeout", time.Duration(0))
	v.SetDefault("history", "")
	v.SetDefault("proxy-header", "")
	v.SetDefault("verbose", false)

	v.SetEnvPrefix("localsend")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		Alias:          v.GetString("alias"),
		Port:           v.GetInt("port"),
		Dir:            v.GetString("dir"),
		HTTPS:          v.GetBool("https"),
		PIN:            v.GetString("pin"),
		AcceptExt:      ParseExtensions(v.GetString("accept-ext")),
		AutoAccept:     v.GetBool("auto-accept"),
		ConsentTimeout: v.GetDuration("consent-timeout"),
		History:        v.GetString("history"),
		ProxyHeader:    v.GetString("proxy-header"),
		Verbose:        v.GetBool("verbose"),
	}
	if cfg.ConsentTimeout < 0 {
		cfg.ConsentTimeout = 0
	}

	return cfg, nil
}

// ParseExtensions splits a comma separated list like "epub, .PDF" into
// lower-case extensions without the leading dot.
func ParseExtensions(s string) []string {
	var res []string
	for _, ext := range strings.Split(s, ",") {
		ext = strings.TrimPrefix(strings.TrimSpace(strings.ToLower(ext)), ".")
		if ext != "" {
			res = append(res, ext)
		}
	}
	return res
}
