package main

import (
	"os"
	"path/filepath"

	"github.com/tendermint/tendermint/libs/cli"

	cmd "github.com/jamiecn/derecho-unified/cmd/commands"
)

func main() {
	rootCmd := cmd.RootCmd

	rootCmd.AddCommand(
		cmd.InitFilesCmd,
		cmd.StartShardCmd,
		cmd.ReadLogCmd,
		cmd.VersionCmd,
		cli.NewCompletionCmd(rootCmd, true),
	)

	baseCmd := cli.PrepareBaseCmd(rootCmd, "DERECHO", os.ExpandEnv(filepath.Join("$HOME", ".derecho-unified")))
	if err := baseCmd.Execute(); err != nil {
		panic(err)
	}
}
