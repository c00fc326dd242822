package multicast

import (
	"github.com/jamiecn/derecho-unified/persist"
	"github.com/jamiecn/derecho-unified/sst"
	"github.com/jamiecn/derecho-unified/types"
)

// registerPredicates 每个归属shard注册三个recurrent谓词：
// 稳定性(seq_num的shard最小值 -> stable_num)、
// 交付(stable_num的shard最小值放行locally stable的队头)、
// 发送推进(全shard追平窗口下限时叫醒sender loop)
func (g *Group) registerPredicates() {
	for subgroup, b := range g.bindings {
		subgroup, b := subgroup, b

		always := func(*sst.SST) bool { return true }

		stabilityTrig := func(s *sst.SST) {
			minSeq := s.SeqNum(b.sstRows[0], subgroup)
			for _, row := range b.sstRows {
				if v := s.SeqNum(row, subgroup); v < minSeq {
					minSeq = v
				}
			}
			// 读不加锁，只往自己行的一个cell写
			if minSeq > s.StableNum(g.memberIndex, subgroup) {
				g.Logger.Debug("updating stable_num", "subgroup", subgroup, "stable_num", minSeq)
				s.SetStableNum(subgroup, minSeq)
				s.PutCell(b.sstRows, sst.FieldStableNum, subgroup)
			}
		}
		hStability := g.sst.Predicates().Insert(always, stabilityTrig, sst.Recurrent)

		deliveryTrig := func(s *sst.SST) {
			g.msgStateMtx.Lock()
			defer g.msgStateMtx.Unlock()

			minStable := s.StableNum(b.sstRows[0], subgroup)
			for _, row := range b.sstRows {
				if v := s.StableNum(row, subgroup); v < minStable {
					minStable = v
				}
			}

			seq, msg, ok := minSeqEntry(g.locallyStableMessages[subgroup])
			if !ok || seq > minStable {
				return
			}
			// 每次触发只交付一条，谓词的工作量有界；
			// 占位消息补齐后key空间连续，队头就是数值最小的key
			g.deliverMessageLocked(msg, subgroup, b)
			s.SetDeliveredNum(subgroup, seq)
			s.PutCell(b.sstRows, sst.FieldDeliveredNum, subgroup)
			delete(g.locallyStableMessages[subgroup], seq)
		}
		hDelivery := g.sst.Predicates().Insert(always, deliveryTrig, sst.Recurrent)

		senderPred := func(s *sst.SST) bool {
			if b.senderSlot < 0 {
				return false
			}
			seq := g.nextMessageToDeliver[subgroup]*int64(b.numSenders()) + int64(b.senderSlot)
			for _, row := range b.sstRows {
				if s.DeliveredNum(row, subgroup) < seq {
					return false
				}
				if g.fileWriter != nil && s.PersistedNum(row, subgroup) < seq {
					return false
				}
			}
			return true
		}
		senderTrig := func(s *sst.SST) {
			g.msgStateMtx.Lock()
			g.senderCV.Broadcast()
			g.msgStateMtx.Unlock()
			g.nextMessageToDeliver[subgroup]++
		}
		hSender := g.sst.Predicates().Insert(senderPred, senderTrig, sst.Recurrent)

		g.predHandles = append(g.predHandles, hStability, hDelivery, hSender)
	}
}

// minSeqEntry locally stable表的队头(数值最小的key)
func minSeqEntry(m map[int64]*types.Message) (int64, *types.Message, bool) {
	found := false
	var minSeq int64
	for seq := range m {
		if !found || seq < minSeq {
			minSeq = seq
			found = true
		}
	}
	if !found {
		return 0, nil, false
	}
	return minSeq, m[minSeq], true
}

// deliverMessageLocked 交付一条消息，要求持有msgStateMtx
// cooked给rpc分发器，raw给global_stability_callback；
// 开了持久化消息转进non_persistent等写盘确认，否则buffer直接回pool
// 占位消息不交付给上层
func (g *Group) deliverMessageLocked(msg *types.Message, subgroup int, b *shardBinding) {
	if msg.IsPlaceholder() {
		return
	}

	buf := msg.Buf.Bytes()
	h, err := types.ParseHeader(buf)
	if err != nil {
		g.Logger.Error("delivering message with bad header", "subgroup", subgroup, "err", err)
		g.freeMessageBuffers[subgroup] = append(g.freeMessageBuffers[subgroup], msg.Buf)
		msg.Buf = nil
		return
	}
	payload := buf[h.HeaderSize:msg.Size]

	if h.CookedSend {
		if g.rpcCallback != nil {
			g.rpcCallback(b.senders[msg.SenderRank], payload, int64(len(payload)))
		}
	} else if g.callbacks.GlobalStability != nil {
		g.callbacks.GlobalStability(subgroup, int(msg.SenderRank), msg.Index, payload, int64(len(payload)))
	}
	g.metrics.MarkDelivered()

	if g.fileWriter != nil {
		seq := types.SeqNum(msg.Index, b.numSenders(), int(msg.SenderRank))
		g.nonPersistentMessages[subgroup][seq] = msg
		g.fileWriter.WriteMessage(persist.Message{
			SubgroupNum: subgroup,
			Sender:      b.senders[msg.SenderRank],
			Index:       msg.Index,
			ViewID:      g.view.VID,
			SeqNum:      seq,
			Cooked:      h.CookedSend,
			Payload:     payload,
		})
	} else {
		g.freeMessageBuffers[subgroup] = append(g.freeMessageBuffers[subgroup], msg.Buf)
		msg.Buf = nil
	}
}

// DeliverMessagesUpTo 成员服务做ragged-edge清理时用：
// 把seq不超过上限的locally stable消息全部交付掉；上限是各发送者最大index
// 换算成seq之后的最大值(所有发送者共用同一个上限)
// maxIndices按发送者槽位给出每个发送者的最大index
func (g *Group) DeliverMessagesUpTo(maxIndices []int64, subgroup int) error {
	b := g.bindings[subgroup]
	if b == nil {
		return ErrBadSubgroup
	}
	if len(maxIndices) != b.numSenders() {
		return ErrBadParams
	}

	g.msgStateMtx.Lock()
	defer g.msgStateMtx.Unlock()

	curSeq := g.sst.DeliveredNum(g.memberIndex, subgroup)
	maxSeq := curSeq
	for slot, index := range maxIndices {
		if s := types.SeqNum(index, b.numSenders(), slot); s > maxSeq {
			maxSeq = s
		}
	}

	for seq := curSeq; seq <= maxSeq; seq++ {
		if msg, ok := g.locallyStableMessages[subgroup][seq]; ok {
			g.deliverMessageLocked(msg, subgroup, b)
			delete(g.locallyStableMessages[subgroup], seq)
		}
	}
	return nil
}
