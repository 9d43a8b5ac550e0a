package config

import "github.com/spf13/viper"

// Version is set at build time via -ldflags.
var Version = "dev"

// Config holds all runtime configuration for the orchestrator.
type Config struct {
	Port      int
	DataDir   string // database, analysis sources, log files
	ConfigDir string // dns-cache-config.json
	LogLevel  string
	Env       string // "development" enables stack traces in error responses

	// WorkerCommand launches an analysis child; the analysis file name is
	// appended as the final argument.
	WorkerCommand []string

	ShipURL string // remote NDJSON log sink, empty disables shipping
}

// Load reads configuration from viper, which merges flag values, env vars,
// and defaults (set up by the cobra command in cmd/scriptops).
func Load() Config {
	return Config{
		Port:          viper.GetInt("port"),
		DataDir:       viper.GetString("data_dir"),
		ConfigDir:     viper.GetString("config_dir"),
		LogLevel:      viper.GetString("log_level"),
		Env:           viper.GetString("env"),
		WorkerCommand: viper.GetStringSlice("worker_command"),
		ShipURL:       viper.GetString("ship_url"),
	}
}

// Development reports whether verbose error disclosure is enabled.
func (c Config) Development() bool {
	return c.Env == "development"
}
