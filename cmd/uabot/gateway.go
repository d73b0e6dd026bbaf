package main

import (
	"github.com/spf13/cobra"
	"github.com/uaserver/uabot/pkg/gateway"
	"github.com/uaserver/uabot/pkg/logger"
)

func newGatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the chat gateway on every configured channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if len(cfg.EnabledChannels()) == 0 {
				logger.WarnC("gateway", "No chat channels enabled; only the bridge will be reachable")
			}

			s, err := gateway.NewSession(gateway.Options{Config: cfg})
			if err != nil {
				return err
			}
			return runSession(cmd.Context(), s, nil)
		},
	}
}
