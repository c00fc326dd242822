package rdmc

import (
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/jamiecn/derecho-unified/types"
)

type received struct {
	data []byte
	size int64
}

// 建一个sender=0、接收者1..n-1的group，返回每个成员(含发送者)的投递chan
func setupGroup(t *testing.T, tr *MemTransport, id uint16, n int, blockSize int64, bufSize int64) []chan received {
	members := make([]types.NodeID, n)
	for i := range members {
		members[i] = types.NodeID(i)
	}

	chans := make([]chan received, n)
	for i := 0; i < n; i++ {
		i := i
		chans[i] = make(chan received, 64)
		var incoming IncomingMessageCallback
		if i == 0 {
			incoming = func(size int64) ReceiveDestination {
				panic("sender must not get a destination callback")
			}
		} else {
			incoming = func(size int64) ReceiveDestination {
				return ReceiveDestination{Buf: types.NewMessageBuffer(bufSize), Offset: 0}
			}
		}
		recv := func(data []byte, size int64) {
			cp := make([]byte, size)
			copy(cp, data[:size])
			chans[i] <- received{data: cp, size: size}
		}
		ok := tr.Endpoint(members[i]).CreateGroup(id, members, blockSize, BinomialSend, incoming, recv, nil)
		require.True(t, ok, "create_group failed for member %d", i)
	}
	return chans
}

func TestSendReachesEveryMember(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	tr := NewMemTransport(log.TestingLogger())
	chans := setupGroup(t, tr, 0, 3, 16, 256)

	buf := types.NewMessageBuffer(256)
	copy(buf.Bytes(), []byte("hello ordered world"))
	require.True(t, tr.Endpoint(0).Send(0, buf, 0, 19))

	// 发送者自己也会收到完成回调
	for i := 0; i < 3; i++ {
		select {
		case got := <-chans[i]:
			assert.EqualValues(t, 19, got.size)
			assert.Equal(t, []byte("hello ordered world"), got.data)
		case <-time.After(2 * time.Second):
			t.Fatalf("member %d did not receive", i)
		}
	}

	for i := 0; i < 3; i++ {
		tr.Endpoint(types.NodeID(i)).DestroyGroup(0)
	}
}

func TestFIFOPerSender(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	tr := NewMemTransport(log.TestingLogger())
	chans := setupGroup(t, tr, 7, 2, 8, 64)

	for i := byte(0); i < 10; i++ {
		buf := types.NewMessageBuffer(64)
		buf.Bytes()[0] = i
		require.True(t, tr.Endpoint(0).Send(7, buf, 0, 1))
	}

	for i := byte(0); i < 10; i++ {
		got := <-chans[1]
		assert.Equal(t, i, got.data[0], "out of order delivery")
	}

	tr.Endpoint(0).DestroyGroup(7)
	tr.Endpoint(1).DestroyGroup(7)
}

func TestOnlySenderMaySend(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	tr := NewMemTransport(log.TestingLogger())
	setupGroup(t, tr, 3, 2, 8, 64)

	buf := types.NewMessageBuffer(64)
	assert.False(t, tr.Endpoint(1).Send(3, buf, 0, 8))
	assert.False(t, tr.Endpoint(0).Send(99, buf, 0, 8))

	tr.Endpoint(0).DestroyGroup(3)
	tr.Endpoint(1).DestroyGroup(3)
}

func TestGroupIDReuseRefused(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	tr := NewMemTransport(log.TestingLogger())
	members := []types.NodeID{0, 1}
	noop := func(data []byte, size int64) {}
	dest := func(size int64) ReceiveDestination {
		return ReceiveDestination{Buf: types.NewMessageBuffer(64)}
	}

	require.True(t, tr.Endpoint(0).CreateGroup(5, members, 8, BinomialSend, dest, noop, nil))
	assert.False(t, tr.Endpoint(0).CreateGroup(5, members, 8, BinomialSend, dest, noop, nil))

	tr.Endpoint(0).DestroyGroup(5)
	// destroy之后可以重建
	require.True(t, tr.Endpoint(0).CreateGroup(5, members, 8, BinomialSend, dest, noop, nil))
	tr.Endpoint(0).DestroyGroup(5)
}

func TestAlgorithmFromString(t *testing.T) {
	a, err := AlgorithmFromString("binomial_send")
	require.NoError(t, err)
	assert.Equal(t, BinomialSend, a)

	_, err = AlgorithmFromString("carrier_pigeon")
	assert.Error(t, err)
}
