// Package main provides the entry point for the ha-humidifier bridge.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/zorak1103/ha-humidifier/configs"
	"github.com/zorak1103/ha-humidifier/internal/bridge"
	"github.com/zorak1103/ha-humidifier/internal/config"
	"github.com/zorak1103/ha-humidifier/internal/handlers"
	"github.com/zorak1103/ha-humidifier/internal/homeassistant"
	"github.com/zorak1103/ha-humidifier/internal/humidifier"
	"github.com/zorak1103/ha-humidifier/internal/logging"
	"github.com/zorak1103/ha-humidifier/internal/mcp"
)

const (
	appName         = "ha-humidifier"
	shutdownTimeout = 15 * time.Second
	outputText      = "text"
	outputYAML      = "yaml"
)

// App holds the CLI application state and dependencies.
type App struct {
	cfgFile string
	haURL   string
	haToken string
	port    int
	output  string
	out     io.Writer
	rootCmd *cobra.Command
}

// NewApp creates a new CLI application instance with all dependencies.
func NewApp() *App {
	app := &App{out: os.Stdout}
	app.rootCmd = app.buildRootCmd()
	addConnectionFlags(app.rootCmd.PersistentFlags(), app)
	app.addCommands()
	return app
}

// buildRootCmd creates the root cobra command.
func (a *App) buildRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   appName,
		Short: "Virtual humidifiers for Home Assistant",
		Long: `ha-humidifier publishes a humidifier entity in Home Assistant for
every configured combination of a fan, a humidity sensor and the fan
device's "Function" select (as found on Philips purifier/humidifier
combos).

The humidifier follows its sources in real time, forwards on/off and
mode changes to the fan, and exposes the humidifiers to MCP clients
over HTTP.`,
		SilenceUsage: true,
		RunE:         a.run,
	}
}

// addConnectionFlags registers the flags shared by all commands.
func addConnectionFlags(fs *pflag.FlagSet, a *App) {
	fs.StringVar(&a.cfgFile, "config", "", "config file (default: none, use ./config.yaml)")
	fs.StringVar(&a.haURL, "ha-url", "", "Home Assistant URL")
	fs.StringVar(&a.haToken, "ha-token", "", "Home Assistant long-lived access token")
	fs.IntVar(&a.port, "port", 0, "MCP server port")
}

// addCommands adds subcommands to the root command.
func (a *App) addCommands() {
	a.rootCmd.AddCommand(a.buildConfigCmd())
	a.rootCmd.AddCommand(a.buildInitCmd())
}

// buildConfigCmd creates the config subcommand that displays the effective configuration.
func (a *App) buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Display the effective configuration",
		Long: `Display the effective configuration with sensitive data masked.

This command shows the configuration that would be used if the bridge were started,
including values from the config file, environment variables, and CLI flags.
Sensitive data like tokens are masked.`,
		RunE: a.runConfig,
	}
	cmd.Flags().StringVarP(&a.output, "output", "o", outputText, "output format: text or yaml")
	return cmd
}

// buildInitCmd creates the init subcommand that creates configuration files.
func (a *App) buildInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration files",
		Long: `Create configuration files in the current directory.

This command creates:
  - config.yaml: YAML configuration file with an example humidifier
  - .env: Environment variables file

Existing files are never overwritten.`,
		RunE: a.runInit,
	}
}

func (a *App) stdout() io.Writer {
	if a.out == nil {
		return os.Stdout
	}
	return a.out
}

// runInit creates configuration files from embedded templates.
func (a *App) runInit(_ *cobra.Command, _ []string) error {
	w := a.stdout()
	created := 0

	for _, f := range []struct {
		name    string
		content []byte
	}{
		{name: "config.yaml", content: configs.ConfigYAML},
		{name: ".env", content: configs.EnvExample},
	} {
		wasCreated, err := a.writeConfigFile(f.name, f.content)
		if err != nil {
			return err
		}
		if wasCreated {
			created++
		}
	}

	if created == 0 {
		_, _ = fmt.Fprintln(w, "All configuration files already exist. Nothing to do.")
		return nil
	}

	_, _ = fmt.Fprintf(w, "Created %d configuration file(s) in current directory.\n", created)
	_, _ = fmt.Fprintln(w, "\nNext steps:")
	_, _ = fmt.Fprintln(w, "  1. Set your Home Assistant URL and token in .env")
	_, _ = fmt.Fprintln(w, "  2. Describe your humidifiers in config.yaml")
	_, _ = fmt.Fprintf(w, "  3. Run '%s config' to verify your configuration\n", appName)
	_, _ = fmt.Fprintf(w, "  4. Run '%s --config config.yaml' to start the bridge\n", appName)
	return nil
}

// writeConfigFile writes content to a file if it doesn't already exist.
// Returns true if the file was created, false if it was skipped.
func (a *App) writeConfigFile(filename string, content []byte) (bool, error) {
	w := a.stdout()
	if _, err := os.Stat(filename); err == nil {
		_, _ = fmt.Fprintf(w, "Skipping %s (already exists)\n", filename)
		return false, nil
	}

	if err := os.WriteFile(filename, content, 0o600); err != nil {
		return false, fmt.Errorf("writing %s: %w", filename, err)
	}

	_, _ = fmt.Fprintf(w, "Created %s\n", filename)
	return true, nil
}

// runConfig loads and displays the effective configuration with masked sensitive data.
func (a *App) runConfig(_ *cobra.Command, _ []string) error {
	cfg, err := config.LoadForDisplay(a.cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	a.applyFlags(cfg)
	masked := cfg.MaskedConfig()

	switch a.output {
	case outputYAML:
		enc := yaml.NewEncoder(a.stdout())
		enc.SetIndent(2)
		if err := enc.Encode(masked); err != nil {
			return fmt.Errorf("encoding configuration: %w", err)
		}
		return enc.Close()
	case outputText, "":
		printConfig(a.stdout(), masked)
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want %s or %s)", a.output, outputText, outputYAML)
	}
}

// applyFlags overlays command line values on a configuration loaded for display.
func (a *App) applyFlags(cfg *config.Config) {
	if a.haURL != "" {
		cfg.HomeAssistant.URL = a.haURL
	}
	if a.haToken != "" {
		cfg.HomeAssistant.Token = a.haToken
	}
	if a.port != 0 {
		cfg.Server.Port = a.port
	}
}

func printConfig(w io.Writer, cfg config.Config) {
	_, _ = fmt.Fprintln(w, "Effective Configuration")
	_, _ = fmt.Fprintln(w, "=======================")
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "Home Assistant:")
	_, _ = fmt.Fprintf(w, "  URL:   %s\n", cfg.HomeAssistant.URL)
	_, _ = fmt.Fprintf(w, "  Token: %s\n", cfg.HomeAssistant.Token)
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "Server:")
	_, _ = fmt.Fprintf(w, "  Port:  %d\n", cfg.Server.Port)
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "Logging:")
	_, _ = fmt.Fprintf(w, "  Level: %s\n", cfg.Logging.Level)
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintf(w, "Humidifiers (%d):\n", len(cfg.Humidifiers))
	for _, h := range cfg.Humidifiers {
		entry := humidifier.Entry{ID: h.ID, ObjectID: h.ObjectID}
		_, _ = fmt.Fprintf(w, "  - %s (%s)\n", h.Name, entry.EntityID())
		_, _ = fmt.Fprintf(w, "      Fan:      %s\n", h.Source)
		_, _ = fmt.Fprintf(w, "      Humidity: %s\n", h.EntityID)
		if h.FunctionEntity != "" {
			_, _ = fmt.Fprintf(w, "      Function: %s\n", h.FunctionEntity)
		} else {
			_, _ = fmt.Fprintln(w, "      Function: (discovered from the fan's device)")
		}
	}
}

// Execute runs the CLI application.
func (a *App) Execute() error {
	return a.rootCmd.Execute()
}

func main() {
	app := NewApp()
	if err := app.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run connects to Home Assistant and serves the configured humidifiers until
// SIGINT or SIGTERM.
func (a *App) run(_ *cobra.Command, _ []string) error {
	v := viper.New()
	config.BindFlags(v, a.haURL, a.haToken, a.port)
	cfg, err := config.LoadWithViper(v, a.cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logLevel, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		log.Printf("Warning: invalid log level %q, using INFO", cfg.Logging.Level)
		logLevel = logging.LevelInfo
	}
	logger := logging.New(logLevel)
	logging.SetDefault(logger)

	logger.Info("Starting "+appName, "port", cfg.Server.Port, "humidifiers", len(cfg.Humidifiers))
	logger.Info("Home Assistant URL", "url", cfg.HomeAssistant.URL)
	logger.Info("Log level", "level", logging.LevelString(logLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The manager exists only after connecting, but reconnects are reported
	// through the client configuration.
	var manager atomic.Pointer[humidifier.Manager]
	opts := homeassistant.DefaultClientOptions()
	opts.WSConfig.OnDisconnect = func(err error) {
		logger.Warn("Lost connection to Home Assistant", "error", err)
	}
	opts.WSConfig.OnReconnect = func(attempts int) {
		logger.Info("Reconnected to Home Assistant", "attempts", attempts)
		if m := manager.Load(); m != nil {
			// Runs on the read loop; reading states needs it to keep going.
			go m.Resync(ctx)
		}
	}

	logger.Info("Connecting to Home Assistant WebSocket API...")
	client, err := homeassistant.NewConnectedClient(ctx, cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, opts)
	if err != nil {
		return fmt.Errorf("connecting to Home Assistant: %w", err)
	}
	logger.Info("Connected to Home Assistant WebSocket API")

	m := humidifier.NewManager(client, logger.With("component", "humidifier"))
	manager.Store(m)
	if err := m.Start(ctx, cfg.Entries()); err != nil {
		logger.Error("Some humidifiers could not be set up", "error", err)
	}

	calls := bridge.New(client, m, logger.With("component", "bridge"))
	if err := calls.Start(ctx); err != nil {
		logger.Error("Service-call bridge unavailable", "error", err)
	}

	registry := mcp.NewRegistry()
	handlers.RegisterAllTools(registry, m)
	logger.Info("Registered MCP tools", "count", registry.ToolCount())
	registry.LogRegisteredTools(logger)

	server := mcp.NewServer(client, registry, cfg.Server.Port, logger)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received signal, shutting down...")
	case err := <-serverErr:
		if err != nil {
			logger.Error("MCP server error", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return shutdown(shutdownCtx, logger, server, calls, m, client)
}

// shutdown stops the components in reverse start order. Humidifiers are
// published as unavailable before the connection closes.
func shutdown(ctx context.Context, logger *logging.Logger, server *mcp.Server, calls *bridge.Bridge, m *humidifier.Manager, client homeassistant.Client) error {
	var errs []error
	if err := server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping MCP server: %w", err))
	}
	if err := calls.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping service-call bridge: %w", err))
	}
	if err := m.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("unloading humidifiers: %w", err))
	}

	logger.Info("Closing Home Assistant WebSocket connection...")
	if err := homeassistant.CloseClient(client); err != nil {
		errs = append(errs, fmt.Errorf("closing Home Assistant client: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		logger.Error("Shutdown finished with errors", "error", err)
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}
