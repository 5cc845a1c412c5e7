package app

import (
	"github.com/orekyuu/mcp-ide-gateway/stdio"
	"github.com/spf13/cobra"
)

var serialized bool

func newStdioCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stdio",
		Short: "Serve one MCP session over stdin/stdout",
		Args:  cobra.NoArgs,
		RunE:  stdioCmdFunc,
	}
	cmd.Flags().BoolVar(&serialized, "serialized", false, "Deliver responses strictly in request order")
	return cmd
}

func stdioCmdFunc(cmd *cobra.Command, _ []string) error {
	cfg, l, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	gw, err := newWorkspaceGateway(cmd, cfg, l)
	if err != nil {
		return err
	}
	var opts []stdio.Option
	if serialized {
		opts = append(opts, stdio.WithSerializedDelivery())
	}
	return gw.ServeStdio(cmd.Context(), opts...)
}
