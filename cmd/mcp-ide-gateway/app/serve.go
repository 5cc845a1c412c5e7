package app

import (
	"time"

	"github.com/orekyuu/mcp-ide-gateway/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	listenAddress  string
	endpointPath   string
	publicURL      string
	maxSessions    int
	requestTimeout time.Duration
	watermark      int
	metricsPath    string
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP over Streamable HTTP",
		Long: `Serve the workspace tools over the MCP Streamable HTTP transport.

Settings come from the defaults, then --config, then MCP_GATEWAY_* environment
variables, then the flags given on the command line.`,
		Args: cobra.NoArgs,
		RunE: serveCmdFunc,
	}
	f := cmd.Flags()
	f.StringVar(&listenAddress, "listen", "", "Address to listen on (default 127.0.0.1:3000)")
	f.StringVar(&endpointPath, "endpoint", "", "Path of the MCP endpoint (default /mcp)")
	f.StringVar(&publicURL, "public-url", "", "Externally visible endpoint URL")
	f.IntVar(&maxSessions, "max-sessions", 0, "Concurrent sessions allowed per client (0 = unlimited)")
	f.DurationVar(&requestTimeout, "request-timeout", 0, "Default tool call deadline")
	f.IntVar(&watermark, "watermark", 0, "Undelivered chunks per request before producers pause")
	f.StringVar(&metricsPath, "metrics-path", "", "Path of the Prometheus endpoint; empty string disables it")
	return cmd
}

func applyServeFlags(f *pflag.FlagSet, cfg *config.Config) {
	if f.Changed("listen") {
		cfg.ListenAddress = listenAddress
	}
	if f.Changed("endpoint") {
		cfg.EndpointPath = endpointPath
	}
	if f.Changed("public-url") {
		cfg.PublicURL = publicURL
	}
	if f.Changed("max-sessions") {
		cfg.MaxConcurrentSessionsPerClient = maxSessions
	}
	if f.Changed("request-timeout") {
		cfg.RequestTimeoutDefault = requestTimeout
	}
	if f.Changed("watermark") {
		cfg.StreamingBackpressureWatermark = watermark
	}
	if f.Changed("metrics-path") {
		cfg.MetricsPath = metricsPath
	}
}

func serveCmdFunc(cmd *cobra.Command, _ []string) error {
	cfg, l, err := loadConfig(cmd, applyServeFlags)
	if err != nil {
		return err
	}
	gw, err := newWorkspaceGateway(cmd, cfg, l)
	if err != nil {
		return err
	}
	return gw.ListenAndServe(cmd.Context())
}
