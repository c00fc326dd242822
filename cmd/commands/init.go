package commands

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tendermint/tendermint/libs/cli"
	tmos "github.com/tendermint/tendermint/libs/os"

	cfg "github.com/jamiecn/derecho-unified/config"
)

// InitFilesCmd 在home下写一份默认配置
var InitFilesCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a derecho-unified home directory",
	RunE:  initFiles,
}

func initFiles(cmd *cobra.Command, args []string) error {
	home := viper.GetString(cli.HomeFlag)
	if err := os.MkdirAll(home, 0755); err != nil {
		return err
	}

	path := filepath.Join(home, "derecho.toml")
	if tmos.FileExists(path) {
		logger.Info("Found config file", "path", path)
		return nil
	}

	cfg.WriteConfigFile(path, cfg.DefaultConfig())
	logger.Info("Generated config file", "path", path)
	return nil
}
