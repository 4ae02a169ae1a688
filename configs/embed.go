// Package configs embeds the templates written by "ha-humidifier init".
package configs

import (
	_ "embed"
)

// ConfigYAML is the config.yaml template with one example humidifier.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// EnvExample is the .env template holding the connection settings.
//
//go:embed .env.example
var EnvExample []byte
