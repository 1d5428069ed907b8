// Package config loads the ChainPilot daemon configuration from a YAML file,
// fills in defaults and applies environment overrides for secrets.
package config
