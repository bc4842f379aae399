package qmpbackupcfg

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// DefaultConfigPath is where both CLIs look for a config file when
// --config is not given.
const DefaultConfigPath = "/etc/qmpbackup/config.yaml"

// BindConfig loads a YAML config file (--config, falling back to
// DefaultConfigPath if it exists) into v and binds every flag on cmd
// so a value set on the command line always overrides the file, and
// a value set in the file always overrides the flag's default
// (spec.md §6 "Configuration file").
func BindConfig(cmd *cobra.Command, v *viper.Viper, configPath string) error {
	if configPath == "" {
		configPath = DefaultConfigPath
	}
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("read config file %s: %w", configPath, err)
			}
		}
	}
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}
	return nil
}

// ParseLevel maps a --verbose/--log-level style string onto an
// slog.Level, defaulting to Info on an empty or unrecognized value.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
