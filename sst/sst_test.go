package sst

import (
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/jamiecn/derecho-unified/types"
)

func newTestMesh(t *testing.T, n int) (*Mesh, func()) {
	layout := Layout{Subgroups: 1, NumReceivedCols: n}
	mesh := NewMesh(n, layout, log.TestingLogger())
	require.NoError(t, mesh.Start())
	return mesh, func() { mesh.Stop() }
}

func TestRowInitialValues(t *testing.T) {
	mesh, cleanup := newTestMesh(t, 3)
	defer cleanup()

	s := mesh.SST(0)
	for r := 0; r < 3; r++ {
		assert.EqualValues(t, -1, s.SeqNum(r, 0))
		assert.EqualValues(t, -1, s.StableNum(r, 0))
		assert.EqualValues(t, -1, s.DeliveredNum(r, 0))
		assert.EqualValues(t, -1, s.PersistedNum(r, 0))
		assert.EqualValues(t, -1, s.NumReceived(r, 0))
		assert.EqualValues(t, 0, s.Heartbeat(r))
	}
}

func TestPutVisibleToPeers(t *testing.T) {
	mesh, cleanup := newTestMesh(t, 2)
	defer cleanup()

	mesh.SST(0).SetSeqNum(0, 41)
	mesh.SST(0).Put()

	// mesh发布即可见
	assert.EqualValues(t, 41, mesh.SST(1).SeqNum(0, 0))
}

func TestRecurrentPredicateFiresOnPut(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	mesh, cleanup := newTestMesh(t, 2)
	defer cleanup()

	var mtx sync.Mutex
	fired := 0
	done := make(chan struct{}, 1)

	mesh.SST(1).Predicates().Insert(
		func(s *SST) bool { return s.SeqNum(0, 0) >= 0 },
		func(s *SST) {
			mtx.Lock()
			fired++
			mtx.Unlock()
			select {
			case done <- struct{}{}:
			default:
			}
		},
		Recurrent,
	)

	mesh.SST(0).SetSeqNum(0, 0)
	mesh.SST(0).PutCell([]int{0, 1}, FieldSeqNum, 0)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("predicate did not fire")
	}

	mtx.Lock()
	assert.GreaterOrEqual(t, fired, 1)
	mtx.Unlock()
}

func TestOneTimePredicateRemovedAfterFire(t *testing.T) {
	mesh, cleanup := newTestMesh(t, 1)
	defer cleanup()

	fires := make(chan struct{}, 16)
	mesh.SST(0).Predicates().Insert(
		func(s *SST) bool { return true },
		func(s *SST) { fires <- struct{}{} },
		OneTime,
	)

	mesh.SST(0).Put()
	<-fires

	// 再发布也不会触发第二次
	mesh.SST(0).Put()
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, fires)
}

func TestRemoveByHandle(t *testing.T) {
	mesh, cleanup := newTestMesh(t, 1)
	defer cleanup()

	fires := make(chan struct{}, 16)
	h := mesh.SST(0).Predicates().Insert(
		func(s *SST) bool { return true },
		func(s *SST) { fires <- struct{}{} },
		Recurrent,
	)
	mesh.SST(0).Predicates().Remove(h)

	mesh.SST(0).Put()
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, fires)
}

func TestLayoutFor(t *testing.T) {
	members := []types.NodeID{0, 1, 2}
	layout := LayoutFor(types.OneSubgroupAllMembers(), members)
	assert.Equal(t, 1, layout.Subgroups)
	assert.Equal(t, 3, layout.NumReceivedCols)
}

func TestInitLocalRowResetsOnlyOwnRow(t *testing.T) {
	mesh, cleanup := newTestMesh(t, 2)
	defer cleanup()

	mesh.SST(0).SetSeqNum(0, 7)
	mesh.SST(1).SetSeqNum(0, 9)
	mesh.SST(0).InitLocalRow()

	assert.EqualValues(t, -1, mesh.SST(1).SeqNum(0, 0))
	assert.EqualValues(t, 9, mesh.SST(1).SeqNum(1, 0))
}
