package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"geomonitor/config"
	"geomonitor/internal/logging"
)

// cli carries state shared by the subcommands.
type cli struct {
	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "geomonitor",
		Short: "Records the requests served by a geospatial web application.",
		Long: `geomonitor sits in front of a map server, proxies every request to it and
records the ones selected by its filter rules, including OWS details and
optionally the request and response bodies.

Configuration comes from the environment, an optional .env file and the
YAML file named by GEOMONITOR_CONFIG.
`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-format") {
				cfg.Logging.Format, _ = cmd.Flags().GetString("log-format")
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Logging.Level, _ = cmd.Flags().GetString("log-level")
			}
			if _, err := logging.Setup(cfg.Logging.Format, cfg.Logging.Level); err != nil {
				return fmt.Errorf("invalid LOG_LEVEL: %w", err)
			}
			c.cfg = cfg
			return nil
		},
	}

	root.PersistentFlags().String("log-format", "", "Log format: text or json (default LOG_FORMAT)")
	root.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (default LOG_LEVEL)")

	root.AddCommand(
		c.newServeCmd(),
		c.newCheckCmd(),
		c.newGetCmd(),
	)
	return root
}
