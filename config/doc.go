// Package config provides configuration management for the execbox service.
//
// The config package handles loading, validating, and providing access to
// application configuration using viper. It supports YAML configuration files,
// EXECBOX_-prefixed environment overrides and default values for every key.
//
// The language table, the dependency installers and the sandbox resource
// limits are all driven from here. When the configuration file does not
// declare any languages, DefaultLanguages is used.
package config
