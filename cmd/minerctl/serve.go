package main

import (
	"github.com/spf13/cobra"

	"github.com/powerhive/minerctl/internal/api"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the REST API",
	Long: `Expose detection, status and control over HTTP under /api/v1:

  GET    /api/v1/miners                     inventory
  GET    /api/v1/miners/:host               live snapshot
  DELETE /api/v1/miners/:host               forget a device
  GET    /api/v1/miners/:host/pools         configured pools
  PUT    /api/v1/miners/:host/pools         replace pools
  POST   /api/v1/miners/:host/reboot        restart
  GET    /api/v1/miners/:host/{sleep,blink} read a toggle
  PUT    /api/v1/miners/:host/{sleep,blink} set a toggle ({"on": true})
  GET    /api/v1/miners/:host/logs          device log
  GET    /api/v1/miners/:host/errors        classified faults
  POST   /api/v1/scan                       detect networks ({"targets": [...]})`,
	Example: `  minerctl serve --listen :8080 --fleet fleet.yaml`,
	Args:    cobra.NoArgs,
	RunE:    withApp(runServe),
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (default from MINERCTL_LISTEN)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, a *app, _ []string) error {
	addr := a.cfg.Listen
	if serveListen != "" {
		addr = serveListen
	}
	srv := api.NewServer(a.manager, a.scanner(), a.logger.Named("api"))
	cmd.Printf("Listening on %s\n", addr)
	return srv.Start(cmd.Context(), addr)
}
