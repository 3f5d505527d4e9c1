// Package config provides centralized configuration management for the
// transformersd runtime, loading YAML configuration files with environment
// variable overrides for credentials and applying sensible defaults for
// every component of the daemon.
package config
