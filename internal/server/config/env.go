package config

import "github.com/caarlos0/env/v11"

// parseEnv overlays environment variables onto the Config. Only variables
// that are actually set override the current values; see the env tags on
// Config for the variable names.
func parseEnv(config *Config) {
	if err := env.Parse(config); err != nil {
		panic(err)
	}
}
