// Package config provides the environment-variable-only configuration
// loading shared by the edge and agent binaries. Neither reads a config
// file: every setting is an environment variable, bound through viper so
// defaults, type coercion, and duration/bool parsing are consistent
// between the two.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// New returns a viper.Viper primed to read only from the environment. No
// config file is ever consulted.
func New() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	return v
}

// BindString registers key with a default and returns its current value.
func BindString(v *viper.Viper, key, def string) string {
	v.SetDefault(key, def)
	return v.GetString(key)
}

// BindInt registers key with a default and returns its current value.
func BindInt(v *viper.Viper, key string, def int) int {
	v.SetDefault(key, def)
	return v.GetInt(key)
}

// BindBool registers key with a default and returns its current value.
func BindBool(v *viper.Viper, key string, def bool) bool {
	v.SetDefault(key, def)
	return v.GetBool(key)
}

// BindDuration registers key with a default and returns its current
// value, parsed as a Go duration string ("30s"); a bare integer is read
// as a number of nanoseconds.
func BindDuration(v *viper.Viper, key string, def time.Duration) time.Duration {
	v.SetDefault(key, def.String())
	return v.GetDuration(key)
}
