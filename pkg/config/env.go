package config

import (
	"strings"

	"github.com/spf13/viper"
)

// EnvTimestampFormat overrides Config.TimestampFormat.
const EnvTimestampFormat = "timestamp_format"

// ApplyEnv overrides settings from environment variables:
//
//	timestamp_format     Config.TimestampFormat
//	<backend>_host       BackendConfig.Host
//	<backend>_token      BackendConfig.Token
//
// Upper-case forms (TIMESTAMP_FORMAT, GITLAB_TOKEN) and the STATICIMP_
// prefixed forms are accepted too. Empty variables are ignored.
// A nil v uses a fresh viper instance.
func (c *Config) ApplyEnv(v *viper.Viper) error {
	if v == nil {
		v = viper.New()
	}

	if err := bindEnv(v, "timestamp_format", EnvTimestampFormat); err != nil {
		return err
	}
	if s := v.GetString("timestamp_format"); s != "" {
		c.TimestampFormat = s
	}

	for name, b := range c.Backends {
		hostKey := "backends." + name + ".host"
		tokenKey := "backends." + name + ".token"
		if err := bindEnv(v, hostKey, name+"_host"); err != nil {
			return err
		}
		if err := bindEnv(v, tokenKey, name+"_token"); err != nil {
			return err
		}
		if s := v.GetString(hostKey); s != "" {
			b.Host = s
		}
		if s := v.GetString(tokenKey); s != "" {
			b.Token = s
		}
		c.Backends[name] = b
	}
	return nil
}

// bindEnv binds key to every accepted spelling of base.
func bindEnv(v *viper.Viper, key, base string) error {
	return v.BindEnv(append([]string{key}, envNames(base)...)...)
}

// envNames lists the accepted spellings of a variable, first match wins.
func envNames(base string) []string {
	upper := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(base))
	names := []string{base}
	if upper != base {
		names = append(names, upper)
	}
	return append(names, "STATICIMP_"+upper)
}
