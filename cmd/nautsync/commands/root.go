package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cfg "github.com/nautlabs/nautsync/config"
	"github.com/nautlabs/nautsync/libs/log"
)

var (
	config = cfg.DefaultConfig()
	logger = log.MustNewDefaultLogger(log.LogFormatPlain, log.LogLevelInfo)
)

func init() {
	RootCmd.PersistentFlags().String("log-level", config.LogLevel, "log level")
	RootCmd.PersistentFlags().String("log-format", config.LogFormat, "log format (plain or json)")
}

// ParseConfig retrieves the configuration from viper, validates it and
// returns it.
func ParseConfig() (*cfg.Config, error) {
	conf := cfg.DefaultConfig()
	if err := viper.Unmarshal(conf); err != nil {
		return nil, err
	}
	if err := conf.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("error in config file: %w", err)
	}
	return conf, nil
}

// RootCmd is the root command for nautsync. Subcommands rely on its
// PersistentPreRunE having populated config and logger.
var RootCmd = &cobra.Command{
	Use:   "nautsync",
	Short: "Block range download scheduler",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := viper.BindPFlags(cmd.Flags()); err != nil {
			return err
		}

		var err error
		config, err = ParseConfig()
		if err != nil {
			return err
		}

		logger, err = log.NewDefaultLogger(config.LogFormat, config.LogLevel)
		if err != nil {
			return err
		}

		return nil
	},
	SilenceUsage: true,
}
