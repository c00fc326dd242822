package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"

	"github.com/jamiecn/derecho-unified/multicast"
	nm "github.com/jamiecn/derecho-unified/node"
	"github.com/jamiecn/derecho-unified/rdmc"
	"github.com/jamiecn/derecho-unified/sst"
	"github.com/jamiecn/derecho-unified/types"
)

var (
	shardSize   int
	sendCount   int
	sendRate    int
	payloadSize int
)

func init() {
	StartShardCmd.Flags().IntVar(&shardSize, "members", 3, "number of shard members to run in-process")
	StartShardCmd.Flags().IntVar(&sendCount, "count", 0, "messages to multicast from each member (0 = run until interrupted)")
	StartShardCmd.Flags().IntVar(&sendRate, "rate", 100, "messages per second per member")
	StartShardCmd.Flags().IntVar(&payloadSize, "payload-size", 64, "payload bytes per message")
}

// StartShardCmd 单进程起一个shard做实验
// 网络版SST/RDMC是外部基础设施，这里用进程内mesh把核心跑起来；
// rpc配置了的话挂在0号成员上
var StartShardCmd = &cobra.Command{
	Use:   "start",
	Short: "Run an in-process shard and multicast test messages",
	RunE:  startShard,
}

func startShard(cmd *cobra.Command, args []string) error {
	if shardSize < 1 {
		return fmt.Errorf("members must be at least 1, got %d", shardSize)
	}

	info := types.OneSubgroupAllMembers()
	members := make([]types.NodeID, shardSize)
	for i := range members {
		members[i] = types.NodeID(i)
	}
	view := types.View{VID: 0, Members: members}

	mesh := sst.NewMesh(shardSize, sst.LayoutFor(info, members), logger)
	if err := mesh.Start(); err != nil {
		return err
	}
	transport := rdmc.NewMemTransport(logger)

	nodes := make([]*nm.Node, shardSize)
	for i := 0; i < shardSize; i++ {
		i := i
		nodeConfig := *config
		if i != 0 {
			// rpc和持久化只挂在0号成员上，避免端口和日志文件打架
			nodeConfig.RPCListenAddress = ""
			nodeConfig.PersistenceFile = ""
		}
		nodeLogger := logger.With("node", i)

		callbacks := multicast.Callbacks{
			GlobalStability: func(subgroup, senderRank int, index int64, payload []byte, size int64) {
				nodeLogger.Debug("delivered", "subgroup", subgroup, "sender_rank", senderRank, "index", index, "size", size)
			},
			LocalPersistence: func(subgroup, senderRank int, index int64, payload []byte, size int64) {
				nodeLogger.Debug("persisted", "subgroup", subgroup, "sender_rank", senderRank, "index", index)
			},
		}

		n, err := nm.NewNode(&nodeConfig, members[i], info, transport.Endpoint(members[i]), callbacks, nodeLogger)
		if err != nil {
			return err
		}
		if err := n.Start(); err != nil {
			return err
		}
		if err := n.InstallView(view, mesh.SST(i), nil); err != nil {
			return err
		}
		nodes[i] = n
	}

	stop := make(chan struct{})
	for i, n := range nodes {
		i, n := i, n
		go func() {
			interval := time.Second / time.Duration(sendRate)
			sent := 0
			for sendCount == 0 || sent < sendCount {
				select {
				case <-stop:
					return
				case <-time.After(interval):
				}
				payload := make([]byte, payloadSize)
				payload[0] = byte(i)
				if err := n.Group().OrderedSend(0, payload, false); err != nil {
					if err != multicast.ErrBackPressure {
						logger.Error("ordered send failed", "node", i, "err", err)
						return
					}
					continue
				}
				sent++
			}
			logger.Info("sender finished", "node", i, "sent", sent)
		}()
	}

	tmos.TrapSignal(logger, func() {
		close(stop)
		for _, n := range nodes {
			_ = n.Stop()
		}
		mesh.Stop()
	})

	// 常驻，等信号
	select {}
}
