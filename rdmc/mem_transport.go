package rdmc

import (
	"fmt"

	"github.com/tendermint/tendermint/libs/log"
	tmsync "github.com/tendermint/tendermint/libs/sync"

	"github.com/jamiecn/derecho-unified/types"
)

const sendQueueCapacity = 1024

// MemTransport 进程内的可靠块多播：一张传输网，每个节点一个Endpoint
// 数据按blockSize分块拷贝进接收方自己的buffer，每个参与者一个投递goroutine，
// 天然满足按(group, sender)的FIFO和all-or-nothing
type MemTransport struct {
	mtx    tmsync.Mutex
	groups map[uint16]*memGroup
	logger log.Logger
}

func NewMemTransport(logger log.Logger) *MemTransport {
	return &MemTransport{
		groups: make(map[uint16]*memGroup),
		logger: logger,
	}
}

// Endpoint 返回node视角的传输句柄
func (t *MemTransport) Endpoint(node types.NodeID) Transport {
	return &memEndpoint{transport: t, node: node}
}

type sendReq struct {
	data []byte
	size int64
}

type memGroup struct {
	id        uint16
	members   []types.NodeID
	sender    types.NodeID
	blockSize int64

	// 每个成员一个队列，group创建时就建好；
	// 成员attach后才起消费goroutine，晚到的成员自己追上进度
	queues map[types.NodeID]chan sendReq
	parts  map[types.NodeID]*groupPart
}

type groupPart struct {
	node       types.NodeID
	incoming   IncomingMessageCallback
	receive    MessageCallback
	completion CompletionCallback
	quit       chan struct{}
}

type memEndpoint struct {
	transport *MemTransport
	node      types.NodeID
}

func (e *memEndpoint) CreateGroup(id uint16, members []types.NodeID, blockSize int64, algo Algorithm,
	incoming IncomingMessageCallback, receive MessageCallback, completion CompletionCallback) bool {
	t := e.transport
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if len(members) == 0 || blockSize <= 0 {
		return false
	}
	found := false
	for _, m := range members {
		if m == e.node {
			found = true
		}
	}
	if !found {
		t.logger.Error("create_group: caller is not a member", "id", id, "node", e.node)
		return false
	}

	g, ok := t.groups[id]
	if !ok {
		g = &memGroup{
			id:        id,
			members:   append([]types.NodeID(nil), members...),
			sender:    members[0],
			blockSize: blockSize,
			queues:    make(map[types.NodeID]chan sendReq),
			parts:     make(map[types.NodeID]*groupPart),
		}
		for _, m := range members {
			g.queues[m] = make(chan sendReq, sendQueueCapacity)
		}
		t.groups[id] = g
	} else if g.sender != members[0] || len(g.members) != len(members) {
		t.logger.Error("create_group: mismatched group parameters", "id", id)
		return false
	}

	if _, dup := g.parts[e.node]; dup {
		// group id在destroy之前不允许复用
		t.logger.Error("create_group: id already in use by this node", "id", id)
		return false
	}

	part := &groupPart{
		node:       e.node,
		incoming:   incoming,
		receive:    receive,
		completion: completion,
		quit:       make(chan struct{}),
	}
	g.parts[e.node] = part
	go t.deliverLoop(g, part, g.queues[e.node])
	return true
}

// deliverLoop 每个(group, 成员)一个，顺序消费保证FIFO
func (t *MemTransport) deliverLoop(g *memGroup, part *groupPart, queue chan sendReq) {
	for {
		select {
		case <-part.quit:
			return
		case req := <-queue:
			if part.node == g.sender {
				// 发送者本地完成：数据就是它自己的发送buffer
				part.receive(req.data[:req.size], req.size)
				if part.completion != nil {
					part.completion(nil)
				}
				continue
			}
			dest := part.incoming(req.size)
			if dest.Buf == nil {
				panic(fmt.Sprintf("rdmc group %d: incoming callback returned no destination", g.id))
			}
			dst := dest.Buf.Bytes()[dest.Offset:]
			// 按block分块拷贝
			for off := int64(0); off < req.size; off += g.blockSize {
				end := off + g.blockSize
				if end > req.size {
					end = req.size
				}
				copy(dst[off:end], req.data[off:end])
			}
			part.receive(dst[:req.size], req.size)
			if part.completion != nil {
				part.completion(nil)
			}
		}
	}
}

func (e *memEndpoint) Send(id uint16, buf *types.MessageBuffer, offset, size int64) bool {
	t := e.transport
	type target struct {
		queue chan sendReq
		quit  chan struct{}
	}

	t.mtx.Lock()
	g, ok := t.groups[id]
	if !ok || g.sender != e.node {
		t.mtx.Unlock()
		return false
	}
	targets := make([]target, 0, len(g.queues))
	for _, m := range g.members {
		tg := target{queue: g.queues[m]}
		if part, attached := g.parts[m]; attached {
			tg.quit = part.quit
		}
		targets = append(targets, tg)
	}
	t.mtx.Unlock()

	if offset < 0 || size <= 0 || offset+size > buf.Len() {
		return false
	}

	req := sendReq{data: buf.Bytes()[offset : offset+size], size: size}
	// 对每个成员入队；队列满时阻塞（调用方不许在持锁状态下Send），
	// 对端destroy之后不再等它
	for _, tg := range targets {
		if tg.quit != nil {
			select {
			case tg.queue <- req:
			case <-tg.quit:
			}
		} else {
			tg.queue <- req
		}
	}
	return true
}

func (e *memEndpoint) DestroyGroup(id uint16) {
	t := e.transport
	t.mtx.Lock()
	defer t.mtx.Unlock()

	g, ok := t.groups[id]
	if !ok {
		return
	}
	if part, ok := g.parts[e.node]; ok {
		close(part.quit)
		delete(g.parts, e.node)
	}
	if len(g.parts) == 0 {
		delete(t.groups, id)
	}
}
