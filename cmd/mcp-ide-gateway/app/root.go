// Package app holds the cobra commands of the mcp-ide-gateway binary.
package app

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/orekyuu/mcp-ide-gateway/config"
	"github.com/orekyuu/mcp-ide-gateway/examples/workspace"
	"github.com/orekyuu/mcp-ide-gateway/gateway"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	configPath string
	logLevel   string
	logFormat  string
	projects   []string
)

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mcp-ide-gateway",
		Short:         "Expose a single-threaded project model to MCP clients",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       gateway.ServerVersion,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Path to a YAML config file")
	pf.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&logFormat, "log-format", "", "Log format (json, text)")
	pf.StringSliceVar(&projects, "project", []string{"."}, "Project root to open; repeatable")

	root.AddCommand(newServeCmd(), newStdioCmd())
	return root
}

// loadConfig layers the config file, the environment and the flags that were
// set explicitly, then installs the configured logger as the default.
func loadConfig(cmd *cobra.Command, apply func(*pflag.FlagSet, *config.Config)) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	fs := cmd.Flags()
	if fs.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if fs.Changed("log-format") {
		cfg.Log.Format = logFormat
	}
	if apply != nil {
		apply(fs, cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	// stdout may carry the protocol, so logs always go to stderr.
	l, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(l)
	return cfg, l, nil
}

func newWorkspaceGateway(cmd *cobra.Command, cfg *config.Config, l *slog.Logger) (*gateway.Gateway, error) {
	ws, err := workspace.New(projects...)
	if err != nil {
		return nil, err
	}
	return gateway.New(cmd.Context(), cfg,
		gateway.WithLogger(l),
		gateway.WithTools(ws.Tools()...),
	)
}
