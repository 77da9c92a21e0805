// Package config loads the daemon configuration with viper: a JSON or YAML
// file, EIGENTRUST_ prefixed environment overrides and built-in defaults.
// Relative paths are resolved against the directory of the config file.
package config
