package multicast

import (
	"time"

	"github.com/jamiecn/derecho-unified/sst"
	"github.com/jamiecn/derecho-unified/types"
)

// GetSendBuffer 发送入口：过窗口和pool检查后占一个buffer，写好头部，
// 消息停在next_sends等Send，返回头部之后的payload区给调用方填
// 拿不到返回nil(超大、窗口满、pool空、group死了)，调用方自己重试
//
// payloadSize传0表示要整个max_msg_size(cooked发送先占后填)
func (g *Group) GetSendBuffer(subgroup int, payloadSize int64, pauseSendingTurns uint32, cookedSend bool) []byte {
	g.msgStateMtx.Lock()
	defer g.msgStateMtx.Unlock()

	if g.isShutdown() || g.sendFailed || !g.rdmcGroupsCreated {
		return nil
	}
	b := g.bindings[subgroup]
	if b == nil || b.senderSlot < 0 {
		return nil
	}

	msgSize := payloadSize + types.HeaderLength
	if payloadSize == 0 {
		msgSize = g.maxMsgSize
	}
	if msgSize > g.maxMsgSize {
		g.Logger.Error("payload exceeds max message size", "subgroup", subgroup, "size", msgSize, "max", g.maxMsgSize)
		return nil
	}

	// 窗口下限：每个shard成员的delivered_num(开了持久化的话persisted_num也一样)
	// 都要追过 (future_index - window)*S + 槽位
	S := int64(b.numSenders())
	floor := (g.futureMessageIndices[subgroup]-g.params.WindowSize)*S + int64(b.senderSlot)
	for _, row := range b.sstRows {
		if g.sst.DeliveredNum(row, subgroup) < floor {
			return nil
		}
		if g.fileWriter != nil && g.sst.PersistedNum(row, subgroup) < floor {
			return nil
		}
	}

	// next_sends是at-most-one的格子，上一条没Send之前不给新的
	if g.nextSends[subgroup] != nil {
		return nil
	}

	pool := g.freeMessageBuffers[subgroup]
	if len(pool) == 0 {
		return nil
	}
	buf := pool[len(pool)-1]
	g.freeMessageBuffers[subgroup] = pool[:len(pool)-1]

	types.WriteHeader(buf.Bytes(), types.Header{
		HeaderSize:        types.HeaderLength,
		PauseSendingTurns: pauseSendingTurns,
		CookedSend:        cookedSend,
	})

	g.nextSends[subgroup] = &types.Message{
		SenderRank: int32(b.senderSlot),
		Index:      g.futureMessageIndices[subgroup],
		Size:       msgSize,
		Buf:        buf,
	}
	g.futureMessageIndices[subgroup] += int64(pauseSendingTurns) + 1

	return buf.Bytes()[types.HeaderLength:msgSize]
}

// Send 把next_sends挪上pending_sends并叫醒sender loop
// 停机中或者传输组没建成返回false
func (g *Group) Send(subgroup int) bool {
	g.msgStateMtx.Lock()
	defer g.msgStateMtx.Unlock()

	if g.isShutdown() || g.sendFailed || !g.rdmcGroupsCreated {
		return false
	}
	msg := g.nextSends[subgroup]
	if msg == nil {
		return false
	}
	g.pendingSends[subgroup] = append(g.pendingSends[subgroup], msg)
	g.nextSends[subgroup] = nil
	g.senderCV.Broadcast()
	return true
}

// OrderedSend 占buffer、拷payload、Send一步到位，rpc层用
func (g *Group) OrderedSend(subgroup int, payload []byte, cookedSend bool) error {
	buf := g.GetSendBuffer(subgroup, int64(len(payload)), 0, cookedSend)
	if buf == nil {
		if g.isShutdown() {
			return ErrGroupWedged
		}
		if !g.rdmcGroupsCreated {
			return ErrGroupsNotCreated
		}
		return ErrBackPressure
	}
	copy(buf, payload)
	if !g.Send(subgroup) {
		return ErrGroupWedged
	}
	return nil
}

// sendLoop 唯一的发送worker
// 对subgroup做round-robin，起点跨唤醒保留，保证公平；
// 传输层Send失败对整个group是致命的，loop退出等view切换
func (g *Group) sendLoop() {
	defer g.wg.Done()

	subgroupToSend := 0

	// 调用时要求持锁
	shouldSendTo := func(subgroup int) bool {
		if !g.rdmcGroupsCreated || len(g.pendingSends[subgroup]) == 0 {
			return false
		}
		b := g.bindings[subgroup]
		if b == nil || b.senderSlot < 0 {
			return false
		}
		msg := g.pendingSends[subgroup][0]

		// 本地接收路径要先追平上一条，SST里才有FIFO可见性
		if g.sst.NumReceived(g.memberIndex, b.numReceivedBase+b.senderSlot) < msg.Index-1 {
			return false
		}

		S := int64(b.numSenders())
		floor := (msg.Index-g.params.WindowSize)*S + int64(b.senderSlot)
		for _, row := range b.sstRows {
			if g.sst.DeliveredNum(row, subgroup) < floor {
				return false
			}
			if g.fileWriter != nil && g.sst.PersistedNum(row, subgroup) < floor {
				return false
			}
		}
		return true
	}
	shouldSend := func() bool {
		for i := 1; i <= g.numSubgroups; i++ {
			candidate := (subgroupToSend + i) % g.numSubgroups
			if shouldSendTo(candidate) {
				subgroupToSend = candidate
				return true
			}
		}
		return false
	}

	g.msgStateMtx.Lock()
	defer g.msgStateMtx.Unlock()
	for !g.isShutdown() {
		for !g.isShutdown() && !shouldSend() {
			g.senderCV.Wait()
		}
		if g.isShutdown() {
			break
		}

		msg := g.pendingSends[subgroupToSend][0]
		g.pendingSends[subgroupToSend] = g.pendingSends[subgroupToSend][1:]
		g.currentSends[subgroupToSend] = msg
		g.Logger.Debug("calling send", "subgroup", subgroupToSend, "index", msg.Index, "sender_rank", msg.SenderRank)

		b := g.bindings[subgroupToSend]
		if len(b.members) <= 1 {
			// 单成员shard没有传输组，走一样的簿记，seq_num平凡推进
			g.handleReceivedLocked(subgroupToSend, b, b.senderSlot, g.myID, msg.Buf.Bytes(), msg.Size)
			g.metrics.MarkSent()
			continue
		}

		gid := g.subgroupToRdmcGroup[subgroupToSend]
		// 传输层可能阻塞，不许抱着锁进去
		g.msgStateMtx.Unlock()
		ok := g.transport.Send(gid, msg.Buf, 0, msg.Size)
		g.msgStateMtx.Lock()
		if !ok {
			g.Logger.Error("transport send failed; group is dead until a new view is installed",
				"subgroup", subgroupToSend, "index", msg.Index)
			g.sendFailed = true
			return
		}
		g.metrics.MarkSent()
	}
	g.Logger.Debug("send loop shutting down")
}

// heartbeatLoop 每timeout_ms往SST写一个单调递增的tick
// 停掉的节点cell不再变化，外面的watchdog据此判活
func (g *Group) heartbeatLoop() {
	defer g.wg.Done()

	interval := time.Duration(g.params.TimeoutMS) * time.Millisecond
	tick := uint64(0)
	for {
		select {
		case <-g.shutdownCh:
			g.Logger.Debug("heartbeat loop shutting down")
			return
		case <-time.After(interval):
		}
		tick++
		g.sst.SetHeartbeat(tick)
		g.sst.PutCell(g.allRows, sst.FieldHeartbeat, 0)
	}
}
