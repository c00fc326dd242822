package commands

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tendermint/tendermint/libs/cli"
	"github.com/tendermint/tendermint/libs/log"

	cfg "github.com/jamiecn/derecho-unified/config"
)

var (
	config = cfg.DefaultConfig()
	logger = log.NewTMLogger(log.NewSyncWriter(os.Stdout))
)

// ParseConfig 命令行 > 配置文件 > 默认值
func ParseConfig() (*cfg.Config, error) {
	home := viper.GetString(cli.HomeFlag)
	path := filepath.Join(home, "derecho.toml")
	if _, err := os.Stat(path); err == nil {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	return cfg.LoadConfig(viper.GetViper())
}

var RootCmd = &cobra.Command{
	Use:   "derecho-multicast",
	Short: "ordered atomic multicast node",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == VersionCmd.Name() {
			return nil
		}

		var err error
		config, err = ParseConfig()
		if err != nil {
			return err
		}

		if viper.GetBool(cli.TraceFlag) {
			logger = log.NewFilter(logger, log.AllowDebug())
		} else {
			logger = log.NewFilter(logger, log.AllowInfo())
		}
		logger = logger.With("module", "main")
		return nil
	},
}
