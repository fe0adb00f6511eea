// Package cli builds the rtls command tree. Each relay tier is a subcommand
// so the tiers can be deployed independently or together.
package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/Spatial-NVR/SpatialRTLS/internal/config"
	"github.com/Spatial-NVR/SpatialRTLS/internal/logging"
)

// Version is set at build time
var Version = "dev"

// RootOptions holds global flags for all commands
type RootOptions struct {
	ConfigPath string
	EnvFile    string
	LogLevel   string
	Watch      bool
}

// app is what every role needs once flags are parsed
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	level  *slog.LevelVar
}

// NewRootCommand creates the root command
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}
	a := &app{}

	cmd := &cobra.Command{
		Use:   "rtls",
		Short: "Real-time location relay and rule engine",
		Long: `rtls relays tag positions from vendor bridges through a control tier to
real-time consumers, firing geometric triggers and temporal rules on the way.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(opts)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default: $CONFIG_PATH or ./config/config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file loaded before the config")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override the configured log level")
	cmd.PersistentFlags().BoolVar(&opts.Watch, "watch", true, "reload the log level when the config file changes")

	cmd.AddCommand(newControlCommand(a))
	cmd.AddCommand(newBridgeCommand(a))
	cmd.AddCommand(newRealTimeCommand(a))
	cmd.AddCommand(newAllCommand(a))
	cmd.AddCommand(newMigrateCommand(a))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func (a *app) init(opts *RootOptions) error {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", opts.EnvFile, err)
		}
	}

	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}
	if opts.LogLevel != "" {
		cfg.System.Logging.Level = opts.LogLevel
	}

	a.cfg = cfg
	a.logger, a.level = logging.New(logging.Options{
		Level:   cfg.System.Logging.Level,
		Format:  cfg.System.Logging.Format,
		Service: cfg.System.Name,
	})
	slog.SetDefault(a.logger)

	if opts.Watch && cfg.GetPath() != "" {
		cfg.OnChange(func(c *config.Config) {
			if opts.LogLevel != "" {
				return
			}
			a.level.Set(logging.ParseLevel(c.LogLevel()))
			a.logger.Info("Log level updated", "level", c.LogLevel())
		})
		if err := cfg.Watch(); err != nil {
			a.logger.Warn("Config watch unavailable", "path", cfg.GetPath(), "error", err)
		}
	}

	a.logger.Info("Configuration loaded", "path", cfg.GetPath(), "campus_id", cfg.System.CampusID)
	return nil
}

// loadConfig loads the config file if one is found, otherwise the defaults
func loadConfig(explicit string) (*config.Config, error) {
	path := config.FindPath(explicit)
	if path == "" {
		return config.Default(), nil
	}
	if _, err := os.Stat(path); err != nil && explicit != "" {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return cfg, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		// no config needed
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}
