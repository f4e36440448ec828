package cli

import (
	"fmt"

	"github.com/harun/conductor/internal/daemon"
	"github.com/spf13/cobra"
)

var (
	servePort      int
	serveNoGateway bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the conductor daemon in the foreground",
	Long: `Run the conductor daemon in the foreground.
The daemon serves the websocket and HTTP gateway, hot reloads provider
descriptors and prunes stale plans and sessions until it receives SIGINT
or SIGTERM.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "gateway port (overrides the config)")
	serveCmd.Flags().BoolVar(&serveNoGateway, "no-gateway", false, "run without the gateway")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Gateway.Port = servePort
	}
	if serveNoGateway {
		cfg.Gateway.Enabled = false
	}

	log, err := newLogger(cfg, true)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}

	if err := d.Start(); err != nil {
		d.Close()
		return err
	}

	d.Wait()
	return nil
}
