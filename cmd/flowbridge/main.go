package main

import (
	"context"
	"os"

	"github.com/jonboulle/clockwork"
	cli "github.com/urfave/cli/v3"

	"github.com/flowbridge-io/flowbridge/pkg/auth"
	"github.com/flowbridge-io/flowbridge/pkg/bridge"
	"github.com/flowbridge-io/flowbridge/pkg/config"
	"github.com/flowbridge-io/flowbridge/pkg/eventbus"
	"github.com/flowbridge-io/flowbridge/pkg/log"
)

func main() {
	cmd := &cli.Command{
		Name:                  "flowbridge",
		EnableShellCompletion: true,
		Usage:                 "Bridge a workflow automation engine's push stream to typed events",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "engine-url",
				Usage:    "Base URL of the automation engine (http or https)",
				Required: true,
				Sources:  cli.EnvVars("ENGINE_URL"),
			},
			&cli.StringFlag{
				Name:    "api-key",
				Usage:   "API key for the engine",
				Sources: cli.EnvVars("ENGINE_API_KEY"),
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Bearer token for the engine",
				Sources: cli.EnvVars("ENGINE_TOKEN"),
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML config file (defaults apply when omitted)",
				Sources: cli.EnvVars("FLOWBRIDGE_CONFIG"),
			},
			&cli.StringSliceFlag{
				Name:    "workflow",
				Aliases: []string{"w"},
				Usage:   "Workflow ID to subscribe to (repeatable)",
				Sources: cli.EnvVars("FLOWBRIDGE_WORKFLOWS"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("flowbridge")

			cfg, err := config.Load(command.String("config"))
			if err != nil {
				return err
			}

			authCfg := auth.Config{
				BaseURL: command.String("engine-url"),
				APIKey:  command.String("api-key"),
				Token:   command.String("token"),
			}

			clock := clockwork.NewRealClock()
			bus := eventbus.NewGoChannelBus(bridge.Decoders(), logger)

			manager, err := bridge.NewConnectionManager(
				cfg, authCfg, auth.NewTokenManager(clock), bus, clock, logger)
			if err != nil {
				return err
			}

			logger.InfoContext(ctx, "Initializing FlowBridge",
				"engine_url", authCfg.BaseURL, "push_url", manager.PushURL())

			runner := NewRunner(manager, bus, command.StringSlice("workflow"), logger)

			return runner.Run(ctx)
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
