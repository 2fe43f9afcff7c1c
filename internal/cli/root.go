package cli

import (
	"fmt"
	"io"

	"github.com/soyeahso/agentsync/internal/config"
	"github.com/soyeahso/agentsync/internal/logging"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string

	// loaded at init time
	paths config.Paths
	log   *logging.Logger
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agentsync",
		Short: "agentsync: shared agent configuration for a room of participants",
		Long: "agentsync keeps an agent's configuration in sync between the agent and every client " +
			"in a room, relays chat and transcriptions, and stores agent records.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			paths, err = config.ResolvePaths()
			if err != nil {
				return err
			}
			if cfgFile != "" {
				paths.Config = cfgFile
			}
			level := logLevel
			if level == "" {
				level = "info"
			}
			log = logging.New(nil, level)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.agentsync/config.yaml)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error, fatal, silent)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newGatewayCmd())
	cmd.AddCommand(newAuthorityCmd())
	cmd.AddCommand(newClientCmd())
	cmd.AddCommand(newMessageCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newAgentCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

// loadConfig loads and validates the config file and replaces the bootstrap
// logger with one built from the logging section. --log-level wins over the
// file. The closer releases the log file.
func loadConfig() (config.Config, io.Closer, error) {
	cfg, err := config.Load(paths.Config)
	if err != nil {
		return config.Config{}, nil, err
	}

	issues := config.Validate(&cfg)
	if len(issues) > 0 {
		for _, issue := range issues {
			log.Error().Str("path", issue.Path).Msg(issue.Message)
		}
		return config.Config{}, nil, fmt.Errorf("config validation failed with %d issue(s)", len(issues))
	}

	opts := logging.Options{
		Level: cfg.Logging.Level,
		Style: cfg.Logging.ConsoleStyle,
		File:  cfg.Logging.File,
	}
	if logLevel != "" {
		opts.Level = logLevel
	}
	l, closer, err := logging.Open(opts)
	if err != nil {
		return config.Config{}, nil, err
	}
	log = l
	return cfg, closer, nil
}
