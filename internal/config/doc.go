// Package config loads, normalizes, and validates Transmute configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment overrides such as
// TRANSMUTE_CACHE_DIR and TRANSMUTE_INDEX_DSN. The Config type centralizes
// every knob the engine and CLI need, from cache budgets and learning rates to
// the list of external converter commands.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
