package main

import (
	"github.com/spf13/cobra"
	"github.com/uaserver/uabot/pkg/channels"
	"github.com/uaserver/uabot/pkg/config"
	"github.com/uaserver/uabot/pkg/gateway"
	"github.com/uaserver/uabot/pkg/logger"
)

func newConsoleCmd() *cobra.Command {
	var withChannels bool

	cmd := &cobra.Command{
		Use:   "console",
		Short: "Chat with the model from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("log-level") {
				logger.SetLevel(logger.WARN)
			}
			if !withChannels {
				cfg.Channels.Telegram.Enabled = false
				cfg.Channels.Discord.Enabled = false
				cfg.Channels.Slack.Enabled = false
				cfg.Channels.Feishu.Enabled = false
				cfg.Status.Enabled = false
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			s, err := gateway.NewSession(gateway.Options{Config: cfg})
			if err != nil {
				return err
			}
			console := channels.NewConsoleChannel(consoleConfig(cfg), s.Bus())
			s.Manager().Register(console)

			_, _ = cmd.OutOrStdout().Write([]byte(cfg.Agent.Greeting + "\n"))
			return runSession(cmd.Context(), s, console.Exited())
		},
	}

	cmd.Flags().BoolVar(&withChannels, "with-channels", false, "Also start the chat channels enabled in config.")
	return cmd
}

func consoleConfig(cfg *config.Config) config.ConsoleConfig {
	c := cfg.Channels.Console
	if c.Prompt == "" {
		c.Prompt = config.DefaultConfig().Channels.Console.Prompt
	}
	return c
}
