// Package config loads the recorder's YAML configuration, expands ${VAR}
// references from the environment (optionally seeded from a .env file) and
// validates every section.
package config
