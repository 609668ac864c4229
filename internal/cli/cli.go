// Package cli implements the ajiaco command line.
package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ajiaco/internal/app"
	"ajiaco/internal/config"
	"ajiaco/internal/logging"
)

// ErrCommandNotAvailable is returned when a custom command reuses a reserved name.
var ErrCommandNotAvailable = errors.New("command name not available")

// CLI is the root command plus the lazily built application it operates on.
type CLI struct {
	root     *cobra.Command
	reserved map[string]struct{}

	configFile string
	envFile    string
	verbose    int
	debug      bool

	cfg config.Config
	log *zap.Logger
	app *app.App
}

// New builds the command tree with every builtin registered.
func New() *CLI {
	c := &CLI{reserved: make(map[string]struct{})}
	c.root = &cobra.Command{
		Use:               "ajiaco",
		Short:             "Ajiaco experiment sessions command-line interface",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error { return c.setup(cmd) },
	}
	flags := c.root.PersistentFlags()
	flags.StringVar(&c.configFile, "config", "", "config file (default ./ajiaco.yaml)")
	flags.StringVar(&c.envFile, "env-file", "", "dotenv file loaded before the config (default .env)")
	flags.IntVarP(&c.verbose, "verbose", "v", 0, fmt.Sprintf("log verbosity 0-%d", logging.MaxVerbose))
	flags.BoolVar(&c.debug, "debug", false, "development logging")

	for _, cmd := range []*cobra.Command{
		c.versionCommand(),
		c.resetStorageCommand(),
		c.serveCommand(),
		c.createSessionCommand(),
		c.showCommand(),
		c.exportCommand(),
		c.setCommand(),
		c.stageCommand(),
		c.watchCommand(),
	} {
		c.reserve(cmd)
		c.root.AddCommand(cmd)
	}
	c.reserve(&cobra.Command{Use: "help"})
	c.reserve(&cobra.Command{Use: "completion"})
	return c
}

func (c *CLI) reserve(cmd *cobra.Command) {
	c.reserved[cmd.Name()] = struct{}{}
	for _, alias := range cmd.Aliases {
		c.reserved[alias] = struct{}{}
	}
}

// Root returns the root cobra command.
func (c *CLI) Root() *cobra.Command { return c.root }

// Register adds a custom command. Names and aliases already taken by builtins
// or earlier registrations are rejected.
func (c *CLI) Register(cmd *cobra.Command) error {
	names := append([]string{cmd.Name()}, cmd.Aliases...)
	for _, name := range names {
		if _, taken := c.reserved[name]; taken {
			return fmt.Errorf("%w: %q", ErrCommandNotAvailable, name)
		}
	}
	c.reserve(cmd)
	c.root.AddCommand(cmd)
	return nil
}

// Execute runs the command line and releases the application afterwards.
func (c *CLI) Execute(ctx context.Context) error {
	err := c.root.ExecuteContext(ctx)
	if closeErr := c.close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

func (c *CLI) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(config.Options{File: c.configFile, EnvFile: c.envFile})
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("verbose") {
		cfg.Verbose = c.verbose
	}
	if flags.Changed("debug") {
		cfg.Debug = c.debug
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log, err := logging.New(cfg.Verbose, cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	c.cfg = cfg
	c.log = log
	return nil
}

// Config returns the loaded configuration. Valid inside a running command.
func (c *CLI) Config() config.Config { return c.cfg }

// Logger returns the process logger. Valid inside a running command.
func (c *CLI) Logger() *zap.Logger {
	if c.log == nil {
		return zap.NewNop()
	}
	return c.log
}

// App builds the application on first use.
func (c *CLI) App(ctx context.Context) (*app.App, error) {
	if c.app != nil {
		return c.app, nil
	}
	a, err := app.New(ctx, c.cfg, c.Logger())
	if err != nil {
		return nil, err
	}
	c.app = a
	return a, nil
}

func (c *CLI) close() error {
	var err error
	if c.app != nil {
		err = c.app.Close()
		c.app = nil
	}
	if c.log != nil {
		_ = c.log.Sync()
	}
	return err
}
