package multicast

import (
	"github.com/jamiecn/derecho-unified/libs/utils"
	"github.com/jamiecn/derecho-unified/persist"
	"github.com/jamiecn/derecho-unified/sst"
	"github.com/jamiecn/derecho-unified/types"
)

// handleReceivedLocked 一条消息的全部块落地后的装配工作，要求持有msgStateMtx
// 1. 解析头部，推进num_received
// 2. 消息挪进locally_stable(发送者本人从current_sends挪)
// 3. 为pause_sending_turns补零长占位消息
// 4. 重算最慢发送者，必要时推进并发布seq_num
// 5. 叫醒sender loop
func (g *Group) handleReceivedLocked(subgroup int, b *shardBinding, slot int, senderID types.NodeID, data []byte, size int64) {
	h, err := types.ParseHeader(data)
	if err != nil {
		g.Logger.Error("received message with bad header", "subgroup", subgroup, "slot", slot, "err", err)
		return
	}

	S := b.numSenders()
	col := b.numReceivedBase + slot
	index := g.sst.NumReceived(g.memberIndex, col) + 1
	g.sst.SetNumReceived(col, index)
	seq := types.SeqNum(index, S, slot)

	g.Logger.Debug("locally received message", "subgroup", subgroup, "shard", b.shard, "slot", slot, "index", index)

	if senderID == g.myID {
		msg := g.currentSends[subgroup]
		if msg == nil {
			g.Logger.Error("send completion without a message in flight", "subgroup", subgroup)
			return
		}
		g.currentSends[subgroup] = nil
		g.locallyStableMessages[subgroup][seq] = msg
	} else {
		key := recvKey{subgroup, seq}
		msg, ok := g.currentReceives[key]
		if !ok {
			g.Logger.Error("completion for unknown receive", "subgroup", subgroup, "seq", seq)
			return
		}
		delete(g.currentReceives, key)
		g.locallyStableMessages[subgroup][seq] = msg
	}

	// 发送者跳过的每一轮补一个占位消息，让num_received在所有成员处齐步走
	for t := uint32(0); t < h.PauseSendingTurns; t++ {
		index++
		seq += int64(S)
		g.sst.SetNumReceived(col, index)
		g.locallyStableMessages[subgroup][seq] = &types.Message{SenderRank: int32(slot), Index: index}
	}

	// 新的seq_num由最慢的发送者决定
	received := make([]int64, S)
	for s := 0; s < S; s++ {
		received[s] = g.sst.NumReceived(g.memberIndex, b.numReceivedBase+s)
	}
	minReceived, argmin := utils.MinInt64WithIndex(received...)
	newSeqNum := (minReceived+1)*int64(S) + int64(argmin) - 1

	if newSeqNum > g.sst.SeqNum(g.memberIndex, subgroup) {
		g.Logger.Debug("updating seq_num", "subgroup", subgroup, "seq_num", newSeqNum)
		g.sst.SetSeqNum(subgroup, newSeqNum)
		g.sst.PutCell(b.sstRows, sst.FieldSeqNum, subgroup)
	}
	g.sst.PutCell(b.sstRows, sst.FieldNumReceived, col)

	g.senderCV.Broadcast()
}

// makeMessageWrittenCallback persistence writer落盘确认后的回调：
// 触发local_persistence_callback、还buffer、发布persisted_num
func (g *Group) makeMessageWrittenCallback() persist.WrittenCallback {
	return func(m persist.Message) {
		b := g.bindings[m.SubgroupNum]
		if b == nil {
			return
		}
		senderRank := -1
		for slot, node := range b.senders {
			if node == m.Sender {
				senderRank = slot
			}
		}
		if g.callbacks.LocalPersistence != nil {
			g.callbacks.LocalPersistence(m.SubgroupNum, senderRank, m.Index, m.Payload, int64(len(m.Payload)))
		}

		g.msgStateMtx.Lock()
		defer g.msgStateMtx.Unlock()

		msg, ok := g.nonPersistentMessages[m.SubgroupNum][m.SeqNum]
		if !ok {
			g.Logger.Error("written callback for unknown message", "subgroup", m.SubgroupNum, "seq", m.SeqNum)
			return
		}
		g.freeMessageBuffers[m.SubgroupNum] = append(g.freeMessageBuffers[m.SubgroupNum], msg.Buf)
		msg.Buf = nil
		delete(g.nonPersistentMessages[m.SubgroupNum], m.SeqNum)
		g.metrics.MarkPersisted()

		// durable之后才发布persisted_num
		g.sst.SetPersistedNum(m.SubgroupNum, m.SeqNum)
		g.sst.PutCell(b.sstRows, sst.FieldPersistedNum, m.SubgroupNum)

		// persisted_num也参与窗口下限
		g.senderCV.Broadcast()
	}
}
