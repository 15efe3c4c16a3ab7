// Package config loads, normalizes, and validates reel configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// REEL_RUNNER and REEL_NTFY_TOPIC. The Config type centralizes every knob the
// daemon and CLI need: worker slots, retry policy, the progressive pass list,
// model cache budget, and notification targets.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
