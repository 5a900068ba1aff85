// Package config loads and validates crate's TOML configuration, providing
// defaults suitable for a single-user deployment.
package config
