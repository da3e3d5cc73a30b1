package cmd

import (
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"
)

// newServeCmd creates the 'serve' subcommand.
func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves the HTTP API with a worker pool and coordination loop",
		Long: `Starts the HTTP API, a worker pool draining submitted runs and the
periodic coordinator. The listen port comes from server.port unless --addr
or the PORT environment variable is set. SIGINT or SIGTERM drains in-flight
work and shuts down.`,
		RunE: withApp(func(cmd *cobra.Command, _ []string, appInstance App) error {
			listen := listenAddr(addr, appInstance.Config().Server.Port)
			ln, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", listen, err)
			}
			return appInstance.Serve(cmd.Context(), ln)
		}),
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, e.g. :8080")
	return cmd
}

func listenAddr(flagAddr string, port int) string {
	if flagAddr != "" {
		return flagAddr
	}
	if p := os.Getenv("PORT"); p != "" {
		return ":" + p
	}
	return fmt.Sprintf(":%d", port)
}
