package config

import "os"

// parseEnv overlays secrets that must never appear in a JSON config file,
// a command-line flag, or a process listing.
func parseEnv(config *Config) {
	if v := os.Getenv("ADVBBS_PASSPHRASE"); v != "" {
		config.OperatorPassphrase = v
	}
}
