package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jamiecn/derecho-unified/persist"
)

// ReadLogCmd 按交付顺序dump一个持久化日志
var ReadLogCmd = &cobra.Command{
	Use:   "read-log [path]",
	Short: "Dump a persistence log in delivery order",
	Args:  cobra.ExactArgs(1),
	RunE:  readLog,
}

func readLog(cmd *cobra.Command, args []string) error {
	records, err := persist.ReadLog(args[0])
	if err != nil {
		return err
	}
	for i, rec := range records {
		fmt.Printf("%d: view=%d sender=%d index=%d cooked=%v len=%d\n",
			i, rec.ViewID, rec.SenderID, rec.Index, rec.Cooked, len(rec.Payload))
	}
	fmt.Printf("%d records\n", len(records))
	return nil
}
