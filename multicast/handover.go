package multicast

import (
	"sort"

	"github.com/jamiecn/derecho-unified/rdmc"
	"github.com/jamiecn/derecho-unified/sst"
	"github.com/jamiecn/derecho-unified/types"
)

// NewGroupFromOld view切换：从旧group搬出没做完的工作，构成新view的group
// 1. 旧group先wedge，停住收发
// 2. 传输组偏移按旧view占用的id数递增，跨view永不冲突
// 3. 按新view重算shard归属
// 4. 回收buffer：旧pool、收到一半的、locally stable的
// 5. locally-stable没交付的消息：自己发的带着重写过的index重新排队，
//    别人发的丢掉(需要的话高层在这之前做ragged-edge清理)
// 6. current/pending/next sends按原顺序重新排队
// 7. 持久化writer整体转移、回调换绑
// 8. Start时建传输组(除非already_failed有人)并拉起worker
//
// 和构造普通group一样，调用方SetLogger后Start
func NewGroupFromOld(
	view types.View,
	myID types.NodeID,
	s *sst.SST,
	transport rdmc.Transport,
	old *Group,
	alreadyFailed []bool,
) (*Group, error) {
	// 保险起见
	old.Wedge()

	g, err := newGroupShell(view, myID, s, transport, old.callbacks, old.rpcCallback,
		old.subgroupInfo, old.params, alreadyFailed,
		old.rdmcGroupNumOffset+uint16(old.groupIDSpan))
	if err != nil {
		return nil, err
	}

	g.msgStateMtx.Lock()
	defer g.msgStateMtx.Unlock()
	old.msgStateMtx.Lock()
	defer old.msgStateMtx.Unlock()

	// writer的确认可能在转移中途到达：两把锁都拿住之后先把回调换到新实例，
	// 晚到的确认会在新锁上排队，等non_persistent搬完正好对上号
	g.fileWriter = old.fileWriter
	old.fileWriter = nil
	if g.fileWriter != nil {
		g.fileWriter.SetMessageWrittenCallback(g.makeMessageWrittenCallback())
	}

	// 旧消息转成新view的消息：sender_rank换成新槽位，index从新view的
	// future_message_indices重新编(接收方的num_received从-1起步，编号永不复用)
	convert := func(msg *types.Message, subgroup int) *types.Message {
		b := g.bindings[subgroup]
		msg.SenderRank = int32(b.senderSlot)
		msg.Index = g.futureMessageIndices[subgroup]
		g.futureMessageIndices[subgroup]++
		if msg.Buf != nil {
			if h, err := types.ParseHeader(msg.Buf.Bytes()); err == nil {
				g.futureMessageIndices[subgroup] += int64(h.PauseSendingTurns)
			}
		}
		return msg
	}
	reclaim := func(subgroup int, msg *types.Message) {
		if msg != nil && msg.Buf != nil {
			g.freeMessageBuffers[subgroup] = append(g.freeMessageBuffers[subgroup], msg.Buf)
			msg.Buf = nil
		}
	}

	// 旧pool整体接收，group变大的话补足
	for subgroup, b := range g.bindings {
		g.freeMessageBuffers[subgroup] = old.freeMessageBuffers[subgroup]
		old.freeMessageBuffers[subgroup] = nil
		need := int(g.params.WindowSize) * len(b.members)
		for len(g.freeMessageBuffers[subgroup]) < need {
			g.freeMessageBuffers[subgroup] = append(g.freeMessageBuffers[subgroup], types.NewMessageBuffer(g.maxMsgSize))
		}
	}

	for key, msg := range old.currentReceives {
		if _, ours := g.bindings[key.subgroup]; ours {
			reclaim(key.subgroup, msg)
		}
	}
	old.currentReceives = make(map[recvKey]*types.Message)

	// locally stable按seq升序处理，重新排队的消息保持发送顺序
	for subgroup, stable := range old.locallyStableMessages {
		newB := g.bindings[subgroup]
		oldB := old.bindings[subgroup]
		if newB == nil || oldB == nil || len(stable) == 0 {
			continue
		}
		seqs := make([]int64, 0, len(stable))
		for seq := range stable {
			seqs = append(seqs, seq)
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

		for _, seq := range seqs {
			msg := stable[seq]
			if msg.IsPlaceholder() {
				continue
			}
			if oldB.senderSlot >= 0 && msg.SenderRank == int32(oldB.senderSlot) && newB.senderSlot >= 0 {
				g.pendingSends[subgroup] = append(g.pendingSends[subgroup], convert(msg, subgroup))
			} else {
				reclaim(subgroup, msg)
			}
		}
		old.locallyStableMessages[subgroup] = make(map[int64]*types.Message)
	}

	for subgroup, newB := range g.bindings {
		if subgroup >= old.numSubgroups {
			continue
		}
		requeue := func(msg *types.Message) {
			if msg == nil {
				return
			}
			if newB.senderSlot >= 0 {
				g.pendingSends[subgroup] = append(g.pendingSends[subgroup], convert(msg, subgroup))
			} else {
				reclaim(subgroup, msg)
			}
		}

		requeue(old.currentSends[subgroup])
		old.currentSends[subgroup] = nil
		for _, msg := range old.pendingSends[subgroup] {
			requeue(msg)
		}
		old.pendingSends[subgroup] = nil

		if next := old.nextSends[subgroup]; next != nil {
			if newB.senderSlot >= 0 {
				g.nextSends[subgroup] = convert(next, subgroup)
			} else {
				reclaim(subgroup, next)
			}
			old.nextSends[subgroup] = nil
		}

		// 写盘确认还没回来的全部转移(所有subgroup处理完才清旧表)，
		// key保持交付时的seq，确认回来才对得上号
		for seq, msg := range old.nonPersistentMessages[subgroup] {
			g.nonPersistentMessages[subgroup][seq] = msg
		}
	}
	old.nonPersistentMessages = make(map[int]map[int64]*types.Message)

	return g, nil
}
