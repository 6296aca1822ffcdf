// Package config loads the runtime configuration from an optional YAML
// file and the process environment. Environment variables win over the
// file; Default holds the values used when neither sets a field.
package config
