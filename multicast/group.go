package multicast

import (
	"sync"
	"sync/atomic"

	"github.com/tendermint/tendermint/libs/service"
	tmsync "github.com/tendermint/tendermint/libs/sync"

	"github.com/jamiecn/derecho-unified/persist"
	"github.com/jamiecn/derecho-unified/rdmc"
	"github.com/jamiecn/derecho-unified/sst"
	"github.com/jamiecn/derecho-unified/types"
)

// Params group存活期内不变的参数
type Params struct {
	MaxPayloadSize int64
	BlockSize      int64
	WindowSize     int64
	TimeoutMS      int64
	Algorithm      rdmc.Algorithm
}

// Callbacks 宿主注册的回调面
type Callbacks struct {
	// GlobalStability 每条非cooked消息交付时调用一次
	GlobalStability func(subgroup int, senderRank int, index int64, payload []byte, size int64)
	// LocalPersistence 每条消息durable落盘后调用一次
	LocalPersistence func(subgroup int, senderRank int, index int64, payload []byte, size int64)
}

// RPCCallback cooked消息交付时转给RPC分发器
type RPCCallback func(sender types.NodeID, payload []byte, size int64)

// shardBinding 本节点在某个subgroup里的归属，构造时算好后不变
type shardBinding struct {
	shard   int
	members []types.NodeID
	// 我在shard成员表里的位置
	memberIdx int
	// 发送者槽位表：slot -> node，序号空间按它展开
	senders []types.NodeID
	// 我的发送者槽位，-1表示本节点在这个shard只收不发
	senderSlot int
	// num_received列的起始下标
	numReceivedBase int
	// shard成员对应的SST行
	sstRows []int
}

func (b *shardBinding) numSenders() int {
	return len(b.senders)
}

type recvKey struct {
	subgroup int
	seq      int64
}

// Group 一个view对应一个MulticastGroup实例
// 单把粗粒度锁罩住全部消息状态(§5)，谓词触发器和传输回调都不许在锁下做阻塞IO
type Group struct {
	service.BaseService

	// ----- 构造后只读 -----
	view          types.View
	myID          types.NodeID
	members       []types.NodeID
	numMembers    int
	memberIndex   int
	params        Params
	maxMsgSize    int64
	callbacks     Callbacks
	rpcCallback   RPCCallback
	subgroupInfo  types.SubgroupInfo
	sst           *sst.SST
	transport     rdmc.Transport
	alreadyFailed []bool

	numSubgroups    int
	bindings        map[int]*shardBinding
	nodeIDToSSTRow  map[types.NodeID]int
	numReceivedBase []int
	allRows         []int

	// 传输组编号从per-view偏移开始，跨view永不冲突
	rdmcGroupNumOffset uint16
	groupIDSpan        int
	rdmcGroupsCreated  bool
	createdGroupIDs    []uint16
	subgroupToRdmcGroup map[int]uint16

	// ----- 消息状态，msgStateMtx保护 -----
	msgStateMtx           tmsync.Mutex
	senderCV              *sync.Cond
	freeMessageBuffers    map[int][]*types.MessageBuffer
	nextSends             []*types.Message
	pendingSends          [][]*types.Message
	currentSends          []*types.Message
	currentReceives       map[recvKey]*types.Message
	locallyStableMessages map[int]map[int64]*types.Message
	nonPersistentMessages map[int]map[int64]*types.Message
	futureMessageIndices  []int64
	sendFailed            bool

	// 只在谓词执行器goroutine上读写
	nextMessageToDeliver []int64

	fileWriter persist.Writer

	shutdown   int32
	shutdownCh chan struct{}
	wg         sync.WaitGroup

	predHandles []sst.Handle

	metrics *groupMetric
}

// NewGroup 为一个新view构造MulticastGroup
// 调用方(成员服务)负责SetLogger后Start：Start才会初始化SST行、
// 建传输组、注册谓词并拉起后台worker
func NewGroup(
	view types.View,
	myID types.NodeID,
	s *sst.SST,
	transport rdmc.Transport,
	callbacks Callbacks,
	rpcCallback RPCCallback,
	subgroupInfo types.SubgroupInfo,
	params Params,
	writer persist.Writer,
	alreadyFailed []bool,
) (*Group, error) {
	g, err := newGroupShell(view, myID, s, transport, callbacks, rpcCallback, subgroupInfo, params, alreadyFailed, 0)
	if err != nil {
		return nil, err
	}
	g.fileWriter = writer

	// free pool预充到window_size * |shard成员|
	for subgroup, b := range g.bindings {
		need := int(params.WindowSize) * len(b.members)
		for len(g.freeMessageBuffers[subgroup]) < need {
			g.freeMessageBuffers[subgroup] = append(g.freeMessageBuffers[subgroup], types.NewMessageBuffer(g.maxMsgSize))
		}
	}
	return g, nil
}

// newGroupShell 公共构造：算好绑定关系，不充pool、不起worker
func newGroupShell(
	view types.View,
	myID types.NodeID,
	s *sst.SST,
	transport rdmc.Transport,
	callbacks Callbacks,
	rpcCallback RPCCallback,
	subgroupInfo types.SubgroupInfo,
	params Params,
	alreadyFailed []bool,
	groupNumOffset uint16,
) (*Group, error) {
	if err := view.ValidateBasic(); err != nil {
		return nil, err
	}
	if params.WindowSize < 1 {
		return nil, ErrBadWindowSize
	}
	if params.BlockSize <= 0 || params.MaxPayloadSize <= 0 {
		return nil, ErrBadParams
	}
	memberIndex := view.RankOf(myID)
	if memberIndex < 0 {
		return nil, ErrNotInView
	}

	numSubgroups := subgroupInfo.NumSubgroups(view.NumMembers())
	g := &Group{
		view:                view,
		myID:                myID,
		members:             view.Members,
		numMembers:          view.NumMembers(),
		memberIndex:         memberIndex,
		params:              params,
		maxMsgSize:          types.ComputeMaxMsgSize(params.MaxPayloadSize, params.BlockSize),
		callbacks:           callbacks,
		rpcCallback:         rpcCallback,
		subgroupInfo:        subgroupInfo,
		sst:                 s,
		transport:           transport,
		alreadyFailed:       alreadyFailed,
		numSubgroups:        numSubgroups,
		bindings:            make(map[int]*shardBinding),
		nodeIDToSSTRow:      make(map[types.NodeID]int),
		rdmcGroupNumOffset:  groupNumOffset,
		subgroupToRdmcGroup: make(map[int]uint16),
		freeMessageBuffers:  make(map[int][]*types.MessageBuffer),
		nextSends:           make([]*types.Message, numSubgroups),
		pendingSends:        make([][]*types.Message, numSubgroups),
		currentSends:        make([]*types.Message, numSubgroups),
		currentReceives:     make(map[recvKey]*types.Message),
		locallyStableMessages: make(map[int]map[int64]*types.Message),
		nonPersistentMessages: make(map[int]map[int64]*types.Message),
		futureMessageIndices:  make([]int64, numSubgroups),
		nextMessageToDeliver:  make([]int64, numSubgroups),
		shutdownCh:            make(chan struct{}),
		metrics:               newGroupMetric(),
	}
	g.senderCV = sync.NewCond(&g.msgStateMtx)
	g.BaseService = *service.NewBaseService(nil, "MulticastGroup", g)

	for i, m := range g.members {
		g.nodeIDToSSTRow[m] = i
	}
	g.allRows = make([]int, g.numMembers)
	for i := range g.allRows {
		g.allRows[i] = i
	}

	_, g.numReceivedBase = types.NumReceivedLayout(subgroupInfo, g.members)

	// 算出每个归属shard的绑定关系
	for i := 0; i < numSubgroups; i++ {
		for j := 0; j < subgroupInfo.NumShards(g.numMembers, i); j++ {
			shardMembers := subgroupInfo.ShardMembership(g.members, i, j)
			memberIdx := -1
			for idx, m := range shardMembers {
				if m == myID {
					memberIdx = idx
				}
			}
			if memberIdx < 0 {
				continue
			}

			senderFlags := subgroupInfo.ShardSenders(g.members, i, j)
			b := &shardBinding{
				shard:           j,
				members:         shardMembers,
				memberIdx:       memberIdx,
				senderSlot:      -1,
				numReceivedBase: g.numReceivedBase[i],
			}
			for idx, isSender := range senderFlags {
				if !isSender {
					continue
				}
				if idx == memberIdx {
					b.senderSlot = len(b.senders)
				}
				b.senders = append(b.senders, shardMembers[idx])
			}
			if len(b.senders) == 0 {
				return nil, ErrNoSenders
			}
			for _, m := range shardMembers {
				row, ok := g.nodeIDToSSTRow[m]
				if !ok {
					return nil, ErrUnknownShardMember
				}
				b.sstRows = append(b.sstRows, row)
			}
			g.bindings[i] = b

			g.locallyStableMessages[i] = make(map[int64]*types.Message)
			g.nonPersistentMessages[i] = make(map[int64]*types.Message)
		}
	}

	g.groupIDSpan = g.computeGroupIDSpan()
	return g, nil
}

// computeGroupIDSpan 全局(subgroup, shard, sender)三元组数量
// 所有成员算出同一个值，view切换时offset按它递增，id永不冲突
func (g *Group) computeGroupIDSpan() int {
	span := 0
	for i := 0; i < g.numSubgroups; i++ {
		for j := 0; j < g.subgroupInfo.NumShards(g.numMembers, i); j++ {
			shardMembers := g.subgroupInfo.ShardMembership(g.members, i, j)
			if len(shardMembers) <= 1 {
				// 单成员shard不建传输组
				continue
			}
			for _, isSender := range g.subgroupInfo.ShardSenders(g.members, i, j) {
				if isSender {
					span++
				}
			}
		}
	}
	return span
}

// GroupIDSpan 本view占用的传输组id数量
func (g *Group) GroupIDSpan() int {
	return g.groupIDSpan
}

func (g *Group) OnStart() error {
	g.sst.InitLocalRow()
	g.sst.SetVID(g.view.VID)
	g.sst.Put()
	g.sst.SyncWithMembers()

	noMemberFailed := true
	for _, failed := range g.alreadyFailed {
		if failed {
			noMemberFailed = false
			break
		}
	}
	if noMemberFailed {
		// 建组失败的话group不收不发，等成员服务装下一个view
		g.rdmcGroupsCreated = g.createRDMCGroups()
		if !g.rdmcGroupsCreated {
			g.Logger.Error("rdmc group creation failed, group accepts no sends")
		}
	}

	if g.fileWriter != nil {
		g.fileWriter.SetMessageWrittenCallback(g.makeMessageWrittenCallback())
	}

	g.registerPredicates()

	g.wg.Add(2)
	go g.sendLoop()
	go g.heartbeatLoop()
	return nil
}

func (g *Group) OnStop() {
	g.Wedge()
}

// Wedge 幂等：摘谓词、拆本view的传输组、叫醒并join全部后台worker
// 之后group不再收发，等待view切换接走未完成的工作
func (g *Group) Wedge() {
	if !atomic.CompareAndSwapInt32(&g.shutdown, 0, 1) {
		return
	}

	for _, h := range g.predHandles {
		g.sst.Predicates().Remove(h)
	}
	for _, id := range g.createdGroupIDs {
		g.transport.DestroyGroup(id)
	}

	close(g.shutdownCh)
	g.msgStateMtx.Lock()
	g.senderCV.Broadcast()
	g.msgStateMtx.Unlock()

	g.wg.Wait()
}

func (g *Group) isShutdown() bool {
	return atomic.LoadInt32(&g.shutdown) == 1
}

// createRDMCGroups 每个(subgroup, shard, 发送者)一个传输组
// id分配对全体成员一致：按全局迭代顺序递增，跨shard也不冲突
func (g *Group) createRDMCGroups() bool {
	counter := 0
	for i := 0; i < g.numSubgroups; i++ {
		for j := 0; j < g.subgroupInfo.NumShards(g.numMembers, i); j++ {
			shardMembers := g.subgroupInfo.ShardMembership(g.members, i, j)
			if len(shardMembers) <= 1 {
				continue
			}
			senderFlags := g.subgroupInfo.ShardSenders(g.members, i, j)

			b := g.bindings[i]
			ourShard := b != nil && b.shard == j

			slot := -1
			for idx, isSender := range senderFlags {
				if !isSender {
					continue
				}
				slot++
				gid := g.rdmcGroupNumOffset + uint16(counter)
				counter++
				if !ourShard {
					continue
				}

				senderID := shardMembers[idx]
				// 成员表旋转到发送者在首位
				rotated := make([]types.NodeID, len(shardMembers))
				for l := range shardMembers {
					rotated[l] = shardMembers[(idx+l)%len(shardMembers)]
				}

				if !g.createGroupFor(gid, rotated, i, slot, senderID, b) {
					return false
				}
				if senderID == g.myID {
					g.subgroupToRdmcGroup[i] = gid
				}
				g.createdGroupIDs = append(g.createdGroupIDs, gid)
			}
		}
	}
	return true
}

// createGroupFor 为subgroup i的发送者槽位slot注册传输组和两个回调
func (g *Group) createGroupFor(gid uint16, rotated []types.NodeID, subgroup, slot int, senderID types.NodeID, b *shardBinding) bool {
	recvHandler := func(data []byte, size int64) {
		g.msgStateMtx.Lock()
		defer g.msgStateMtx.Unlock()
		g.handleReceivedLocked(subgroup, b, slot, senderID, data, size)
	}

	if senderID == g.myID {
		incoming := func(size int64) rdmc.ReceiveDestination {
			panic("multicast: sender must not receive a destination callback for its own group")
		}
		return g.transport.CreateGroup(gid, rotated, g.params.BlockSize, g.params.Algorithm, incoming, recvHandler, nil)
	}

	incoming := func(size int64) rdmc.ReceiveDestination {
		g.msgStateMtx.Lock()
		defer g.msgStateMtx.Unlock()

		pool := g.freeMessageBuffers[subgroup]
		if len(pool) == 0 {
			// 窗口和pool大小约定保证有空buffer，到这儿是编程错误
			panic("multicast: no free message buffer for incoming message")
		}
		buf := pool[len(pool)-1]
		g.freeMessageBuffers[subgroup] = pool[:len(pool)-1]

		index := g.sst.NumReceived(g.memberIndex, b.numReceivedBase+slot) + 1
		msg := &types.Message{
			SenderRank: int32(slot),
			Index:      index,
			Size:       size,
			Buf:        buf,
		}
		seq := types.SeqNum(index, b.numSenders(), slot)
		g.currentReceives[recvKey{subgroup, seq}] = msg
		return rdmc.ReceiveDestination{Buf: buf, Offset: 0}
	}
	return g.transport.CreateGroup(gid, rotated, g.params.BlockSize, g.params.Algorithm, incoming, recvHandler, nil)
}

// ----- 只读访问器 -----

func (g *Group) View() types.View {
	return g.view
}

func (g *Group) MemberIndex() int {
	return g.memberIndex
}

func (g *Group) RDMCGroupsCreated() bool {
	return g.rdmcGroupsCreated
}

// StatusString SST内容的诊断输出
func (g *Group) StatusString() string {
	return g.sst.String()
}

func (g *Group) Metrics() *groupMetric {
	return g.metrics
}
