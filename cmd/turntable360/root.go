package main

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/cjeanneret/turntable360/internal/config"
	"github.com/cjeanneret/turntable360/internal/debug"
)

var defaultConfigPath = filepath.Join("configs", "turntable.yaml")

// commandContext carries the persistent flags and the lazily loaded config.
type commandContext struct {
	configFlag *string
	debugFlag  *int

	configOnce sync.Once
	config     *config.Config
	configErr  error
	fromFile   bool
}

func newCommandContext(configFlag *string, debugFlag *int) *commandContext {
	return &commandContext{configFlag: configFlag, debugFlag: debugFlag}
}

// ensureConfig loads the config file once. A missing file at the default
// location falls back to the built-in simulator configuration; a missing
// file given explicitly is an error.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		path := c.configPath()
		cfg, err := config.Load(path)
		switch {
		case err == nil:
			c.fromFile = true
		case errors.Is(err, fs.ErrNotExist) && path == defaultConfigPath:
			cfg = config.Default()
		default:
			c.configErr = err
			return
		}
		if c.debugFlag != nil && *c.debugFlag >= 0 {
			cfg.Defaults.DebugLevel = min(*c.debugFlag, debug.LevelTrace)
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) configPath() string {
	if c.configFlag == nil || strings.TrimSpace(*c.configFlag) == "" {
		return defaultConfigPath
	}
	return strings.TrimSpace(*c.configFlag)
}

// persistPath is where configuration changes made from the web page are
// written. Without a config file they stay in memory.
func (c *commandContext) persistPath() string {
	if !c.fromFile {
		return ""
	}
	return c.configPath()
}

func newRootCommand() *cobra.Command {
	var configFlag string
	debugFlag := -1

	ctx := newCommandContext(&configFlag, &debugFlag)

	rootCmd := &cobra.Command{
		Use:           "turntable360",
		Short:         "Relay-driven photo turntable controller",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			debug.Init(cfg.Defaults.DebugLevel)
			debug.Section("Initialization")
			debug.Value("Config path", ctx.configPath())
			debug.Value("Config file found", ctx.fromFile)
			debug.Value("Debug level", cfg.Defaults.DebugLevel)
			debug.Value("Simulator", cfg.Simulator())
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", defaultConfigPath, "Configuration file path")
	rootCmd.PersistentFlags().IntVarP(&debugFlag, "debug", "d", -1, "Debug level 0-4 (overrides defaults.debug_level)")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newRotateCommand(ctx))
	rootCmd.AddCommand(newCaptureCommand(ctx))
	rootCmd.AddCommand(newDevicesCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))

	return rootCmd
}
