// Package config loads the daemon's JSON configuration file, fills defaults
// relative to the file's directory and resolves *_env secret references.
package config
