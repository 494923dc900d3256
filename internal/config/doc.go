// Package config provides configuration loading and validation for the music
// pipeline service. It reads a YAML file over built-in defaults, fills API keys
// from the environment and validates every section.
package config
