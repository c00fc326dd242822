package node

import (
	"net"
	"net/http"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	tmsync "github.com/tendermint/tendermint/libs/sync"
	rpcserver "github.com/tendermint/tendermint/rpc/jsonrpc/server"

	cfg "github.com/jamiecn/derecho-unified/config"
	"github.com/jamiecn/derecho-unified/libs/metric"
	"github.com/jamiecn/derecho-unified/multicast"
	"github.com/jamiecn/derecho-unified/persist"
	"github.com/jamiecn/derecho-unified/rdmc"
	"github.com/jamiecn/derecho-unified/rpc"
	"github.com/jamiecn/derecho-unified/sst"
	"github.com/jamiecn/derecho-unified/types"
)

const multicastMetricLabel = "multicast"

// Node 面向成员服务的宿主：持有配置、传输层端点、当前view的group、
// metric表和rpc server。view由外面的成员服务推进，每装一个view
// 这里换一个MulticastGroup，没做完的工作由handover构造接走
type Node struct {
	service.BaseService

	config       *cfg.Config
	id           types.NodeID
	subgroupInfo types.SubgroupInfo
	transport    rdmc.Transport
	callbacks    multicast.Callbacks
	rpcCallback  multicast.RPCCallback

	writer    persist.Writer
	metricSet *metric.MetricSet

	mtx   tmsync.Mutex
	group *multicast.Group
	sst   *sst.SST

	rpcListener net.Listener
}

type Option func(*Node)

// SetRPCCallback cooked消息交给谁
func SetRPCCallback(cb multicast.RPCCallback) Option {
	return func(n *Node) { n.rpcCallback = cb }
}

func NewNode(
	config *cfg.Config,
	id types.NodeID,
	subgroupInfo types.SubgroupInfo,
	transport rdmc.Transport,
	callbacks multicast.Callbacks,
	logger log.Logger,
	options ...Option,
) (*Node, error) {
	if err := config.ValidateBasic(); err != nil {
		return nil, err
	}

	n := &Node{
		config:       config,
		id:           id,
		subgroupInfo: subgroupInfo,
		transport:    transport,
		callbacks:    callbacks,
		metricSet:    metric.NewMetricSet(),
	}
	n.BaseService = *service.NewBaseService(logger, "Node", n)

	if config.PersistenceEnabled() {
		writer, err := buildWriter(config)
		if err != nil {
			return nil, err
		}
		n.writer = writer
	}

	for _, option := range options {
		option(n)
	}
	return n, nil
}

func buildWriter(config *cfg.Config) (persist.Writer, error) {
	switch config.PersistenceBackend {
	case cfg.PersistenceBackendKV:
		return persist.NewKVWriterWithDir("mcastlog", config.PersistenceFile)
	default:
		return persist.NewFileWriter(config.PersistenceFile)
	}
}

func (n *Node) OnStart() error {
	if n.writer != nil {
		if err := n.writer.Start(); err != nil {
			return err
		}
	}

	if n.config.RPCListenAddress != "" {
		if err := n.startRPC(); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) OnStop() {
	n.mtx.Lock()
	group := n.group
	n.mtx.Unlock()

	if group != nil {
		group.Wedge()
		if err := group.Stop(); err != nil {
			n.Logger.Error("failed trying to stop multicast group", "err", err)
		}
	}
	if n.writer != nil {
		if err := n.writer.Stop(); err != nil {
			n.Logger.Error("failed trying to stop persistence writer", "err", err)
		}
	}
	if n.rpcListener != nil {
		n.rpcListener.Close()
	}
}

// InstallView 装一个新view
// 第一次构造全新group，之后从旧group做handover；SST每个view一张，由成员服务给
func (n *Node) InstallView(view types.View, s *sst.SST, alreadyFailed []bool) error {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	algo, err := rdmc.AlgorithmFromString(n.config.SendAlgorithm)
	if err != nil {
		return err
	}
	params := multicast.Params{
		MaxPayloadSize: n.config.MaxPayloadSize,
		BlockSize:      n.config.BlockSize,
		WindowSize:     n.config.WindowSize,
		TimeoutMS:      n.config.TimeoutMS,
		Algorithm:      algo,
	}

	var group *multicast.Group
	if n.group == nil {
		group, err = multicast.NewGroup(view, n.id, s, n.transport,
			n.callbacks, n.rpcCallback, n.subgroupInfo, params, n.writer, alreadyFailed)
	} else {
		group, err = multicast.NewGroupFromOld(view, n.id, s, n.transport, n.group, alreadyFailed)
	}
	if err != nil {
		return errors.Wrapf(err, "install view %d", view.VID)
	}

	group.SetLogger(n.Logger.With("module", "multicast", "vid", view.VID))
	if err := group.Start(); err != nil {
		return errors.Wrapf(err, "start multicast group for view %d", view.VID)
	}

	n.metricSet.RemoveMetrics(multicastMetricLabel)
	if err := n.metricSet.SetMetrics(multicastMetricLabel, group.Metrics()); err != nil {
		n.Logger.Error("register multicast metric failed", "err", err)
	}

	n.group = group
	n.sst = s
	n.Logger.Info("installed view", "vid", view.VID, "members", view.Members)
	return nil
}

// Group 当前view的group，还没装过view返回nil
func (n *Node) Group() *multicast.Group {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.group
}

func (n *Node) MetricSet() *metric.MetricSet {
	return n.metricSet
}

// LastHeartbeat 读某个成员最近发布的heartbeat tick
// 超时判定是外面watchdog的事，这里只透出cell
func (n *Node) LastHeartbeat(rank int) uint64 {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if n.sst == nil {
		return 0
	}
	return n.sst.Heartbeat(rank)
}

func (n *Node) startRPC() error {
	rpc.SetEnvironment(&rpc.Environment{
		Provider:  n,
		MetricSet: n.metricSet,
	})

	rpcLogger := n.Logger.With("module", "rpc-server")
	mux := http.NewServeMux()
	rpcserver.RegisterRPCFuncs(mux, rpc.Routes, rpcLogger)
	wm := rpcserver.NewWebsocketManager(rpc.Routes)
	wm.SetLogger(rpcLogger.With("protocol", "websocket"))
	mux.HandleFunc("/websocket", wm.WebsocketHandler)

	rpcConfig := rpcserver.DefaultConfig()
	listener, err := rpcserver.Listen(n.config.RPCListenAddress, rpcConfig)
	if err != nil {
		return errors.Wrap(err, "start rpc listener")
	}
	n.rpcListener = listener

	go func() {
		if err := rpcserver.Serve(listener, mux, rpcLogger, rpcConfig); err != nil {
			rpcLogger.Error("rpc server stopped", "err", err)
		}
	}()
	return nil
}
