package multicast

import (
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/jamiecn/derecho-unified/sst"
	"github.com/jamiecn/derecho-unified/types"
)

func (tn *testNode) locallyStableCount(subgroup int) int {
	g := tn.group
	g.msgStateMtx.Lock()
	defer g.msgStateMtx.Unlock()
	n := 0
	for _, msg := range g.locallyStableMessages[subgroup] {
		if !msg.IsPlaceholder() {
			n++
		}
	}
	return n
}

func (tn *testNode) freePoolSize(subgroup int) int {
	g := tn.group
	g.msgStateMtx.Lock()
	defer g.msgStateMtx.Unlock()
	return len(g.freeMessageBuffers[subgroup])
}

// 给node搭一个单成员的新view并做handover
func handoverToSolo(t *testing.T, tn *testNode, vid int32, info types.SubgroupInfo) (*Group, *sst.Mesh, func()) {
	logger := log.TestingLogger()
	members := []types.NodeID{tn.id}
	view := types.View{VID: vid, Members: members}

	mesh := sst.NewMesh(1, sst.LayoutFor(info, members), logger)
	require.NoError(t, mesh.Start())

	g, err := NewGroupFromOld(view, tn.id, mesh.SST(0), tn.group.transport, tn.group, nil)
	require.NoError(t, err)
	g.SetLogger(logger.With("view", vid))
	require.NoError(t, g.Start())

	cleanup := func() {
		_ = g.Stop()
		mesh.Stop()
	}
	return g, mesh, cleanup
}

func TestWedgeIdempotent(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	tc, cleanup := newTestCluster(t, 2, clusterOptions{
		info:   types.OneSubgroupAllMembers(),
		params: defaultParams(),
	})
	defer cleanup()

	g := tc.nodes[0].group
	g.Wedge()
	g.Wedge()

	assert.Nil(t, g.GetSendBuffer(0, 16, 0, false))
	assert.False(t, g.Send(0))
	assert.Equal(t, ErrGroupWedged, g.OrderedSend(0, []byte("x"), false))
}

// 场景5(发送者一侧)：locally stable没交付的消息在新view里重新编号重发，
// 不丢也不重复
func TestHandoverSenderRequeuesUndelivered(t *testing.T) {
	defer leaktest.CheckTimeout(t, 20*time.Second)()

	info := types.OneSubgroupWithSenders(0)
	tc, cleanup := newTestCluster(t, 2, clusterOptions{
		info:   info,
		params: defaultParams(),
		// 接收方的执行器不启动：stable_num不推进，谁都交付不了
		startSST: []bool{true, false},
	})
	defer cleanup()

	sender := tc.nodes[0]
	tc.orderedSend(0, payloadFor(0, 0, 40))
	tc.orderedSend(0, payloadFor(0, 1, 40))

	// 两条都在发送者处locally stable，但没有一条交付
	require.Eventually(t, func() bool {
		return sender.locallyStableCount(0) == 2
	}, 5*time.Second, 5*time.Millisecond)
	require.Zero(t, sender.deliveredCount())

	newGroup, _, soloCleanup := handoverToSolo(t, sender, 1, info)
	defer soloCleanup()

	// 新view里两条消息以新index 0,1重发并交付，payload保持原样
	require.Eventually(t, func() bool {
		return sender.deliveredCount() == 2
	}, 10*time.Second, 5*time.Millisecond)

	got := sender.deliveredCopy()
	assert.EqualValues(t, 0, got[0].index)
	assert.EqualValues(t, 1, got[1].index)
	assert.Equal(t, payloadFor(0, 0, 40), got[0].payload)
	assert.Equal(t, payloadFor(0, 1, 40), got[1].payload)

	// 传输组偏移按旧view占用量递增
	assert.EqualValues(t, tc.nodes[0].group.GroupIDSpan(), newGroup.rdmcGroupNumOffset)
}

// 场景5(幸存接收方一侧)：别人发的locally stable消息被丢弃，buffer全部回收
func TestHandoverReceiverReclaimsBuffers(t *testing.T) {
	defer leaktest.CheckTimeout(t, 20*time.Second)()

	info := types.OneSubgroupWithSenders(0)
	tc, cleanup := newTestCluster(t, 2, clusterOptions{
		info:     info,
		params:   defaultParams(),
		startSST: []bool{true, false},
	})
	defer cleanup()

	receiver := tc.nodes[1]
	tc.orderedSend(0, payloadFor(0, 0, 40))
	tc.orderedSend(0, payloadFor(0, 1, 40))

	require.Eventually(t, func() bool {
		return receiver.locallyStableCount(0) == 2
	}, 5*time.Second, 5*time.Millisecond)

	oldTotal := receiver.freePoolSize(0) + 2

	newGroup, _, soloCleanup := handoverToSolo(t, receiver, 1, info)
	defer soloCleanup()

	// 没交付过的别人的消息不会在新view里冒出来
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, receiver.deliveredCount())

	newGroup.msgStateMtx.Lock()
	free := len(newGroup.freeMessageBuffers[0])
	stable := len(newGroup.locallyStableMessages[0])
	newGroup.msgStateMtx.Unlock()
	assert.Equal(t, oldTotal, free, "reclaimed buffers missing")
	assert.Zero(t, stable)
}

// 已交付的消息不会因为view切换重复交付
func TestHandoverNoDuplicateDelivery(t *testing.T) {
	defer leaktest.CheckTimeout(t, 20*time.Second)()

	info := types.OneSubgroupWithSenders(0)
	tc, cleanup := newTestCluster(t, 2, clusterOptions{
		info:   info,
		params: defaultParams(),
	})
	defer cleanup()

	sender := tc.nodes[0]
	tc.orderedSend(0, payloadFor(0, 0, 40))
	tc.orderedSend(0, payloadFor(0, 1, 40))
	tc.waitDelivered(2)

	_, _, soloCleanup := handoverToSolo(t, sender, 1, info)
	defer soloCleanup()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, sender.deliveredCount(), "messages redelivered across views")
}

// 暂存在next_sends/pending_sends的消息过view时按原顺序接走
func TestHandoverCarriesStagedSends(t *testing.T) {
	defer leaktest.CheckTimeout(t, 20*time.Second)()

	info := types.OneSubgroupWithSenders(0)
	tc, cleanup := newTestCluster(t, 2, clusterOptions{
		info:     info,
		params:   defaultParams(),
		startSST: []bool{false, false}, // 执行器全停，发出去也交付不了
	})
	defer cleanup()

	sender := tc.nodes[0]
	g := sender.group

	// 第一条走完Send进pending/current，第二条留在next_sends
	buf := g.GetSendBuffer(0, 40, 0, false)
	require.NotNil(t, buf)
	copy(buf, payloadFor(0, 0, 40))
	require.True(t, g.Send(0))

	buf = g.GetSendBuffer(0, 40, 0, false)
	require.NotNil(t, buf)
	copy(buf, payloadFor(0, 1, 40))

	newGroup, _, soloCleanup := handoverToSolo(t, sender, 1, info)
	defer soloCleanup()

	// 已经Send过的那条直接接走交付
	require.Eventually(t, func() bool {
		return sender.deliveredCount() == 1
	}, 10*time.Second, 5*time.Millisecond)

	// 停在next_sends的那条带着重写后的index过来，Send之后才上路
	require.True(t, newGroup.Send(0))
	require.Eventually(t, func() bool {
		return sender.deliveredCount() == 2
	}, 10*time.Second, 5*time.Millisecond)

	got := sender.deliveredCopy()
	assert.Equal(t, payloadFor(0, 0, 40), got[0].payload)
	assert.Equal(t, payloadFor(0, 1, 40), got[1].payload)
	assert.EqualValues(t, 0, got[0].index)
	assert.EqualValues(t, 1, got[1].index)
}

// DeliverMessagesUpTo把不超过给定index的locally stable消息全部交付
func TestDeliverMessagesUpTo(t *testing.T) {
	defer leaktest.CheckTimeout(t, 20*time.Second)()

	info := types.OneSubgroupWithSenders(0)
	tc, cleanup := newTestCluster(t, 2, clusterOptions{
		info:     info,
		params:   defaultParams(),
		startSST: []bool{true, false},
	})
	defer cleanup()

	sender := tc.nodes[0]
	tc.orderedSend(0, payloadFor(0, 0, 40))
	tc.orderedSend(0, payloadFor(0, 1, 40))
	require.Eventually(t, func() bool {
		return sender.locallyStableCount(0) == 2
	}, 5*time.Second, 5*time.Millisecond)

	// ragged-edge清理：view死掉之前把编号内的消息清出去
	sender.group.Wedge()
	require.NoError(t, sender.group.DeliverMessagesUpTo([]int64{1}, 0))

	got := sender.deliveredCopy()
	require.Len(t, got, 2)
	assert.EqualValues(t, 0, got[0].index)
	assert.EqualValues(t, 1, got[1].index)
}
