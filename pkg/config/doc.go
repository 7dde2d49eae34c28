// Package config loads Pulse server settings.
//
// Settings are resolved in three layers: compiled-in defaults (Default),
// an optional YAML file, and PULSE_* environment variables, with later
// layers overriding earlier ones. Durations accept Go syntax ("1500ms",
// "30s") or bare seconds in the environment. Retry steps are a
// comma-separated list in PULSE_RETRY_STEPS.
package config
