package sst

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"

	"github.com/jamiecn/derecho-unified/types"
)

// SST(shared state table)：每个节点一行，节点只写自己的行，读所有行
// put把本行(或其中一段)发布给全体或者指定成员，发布后对方的谓词执行器会被唤醒
//
// 这里的实现是进程内mesh版本：所有成员共享同一张底层表，发布即可见
// 真正跨机器的SST(verbs/libfabric)是外部基础设施，核心只依赖这层契约

// Field 标识行内的一段，PutCell用它指明要发布哪个cell
type Field int

const (
	FieldNumReceived Field = iota
	FieldSeqNum
	FieldStableNum
	FieldDeliveredNum
	FieldPersistedNum
	FieldHeartbeat
	FieldVID
)

// Layout 行布局：subgroup数量决定seq_num等列数，num_received列数由成员函数算出
type Layout struct {
	Subgroups       int
	NumReceivedCols int
}

// LayoutFor 按view和成员函数计算行布局，所有成员算出的结果一致
func LayoutFor(info types.SubgroupInfo, members []types.NodeID) Layout {
	total, _ := types.NumReceivedLayout(info, members)
	return Layout{
		Subgroups:       info.NumSubgroups(len(members)),
		NumReceivedCols: total,
	}
}

// row 一行。所有cell用atomic读写，读侧不需要持有核心的锁
type row struct {
	numReceived  []int64
	seqNum       []int64
	stableNum    []int64
	deliveredNum []int64
	persistedNum []int64
	heartbeat    uint64
	vid          int32
}

func newRow(layout Layout) *row {
	r := &row{
		numReceived:  make([]int64, layout.NumReceivedCols),
		seqNum:       make([]int64, layout.Subgroups),
		stableNum:    make([]int64, layout.Subgroups),
		deliveredNum: make([]int64, layout.Subgroups),
		persistedNum: make([]int64, layout.Subgroups),
	}
	r.reset()
	return r
}

// 计数器全部初始化成-1(heartbeat除外)
func (r *row) reset() {
	for i := range r.numReceived {
		atomic.StoreInt64(&r.numReceived[i], -1)
	}
	for i := range r.seqNum {
		atomic.StoreInt64(&r.seqNum[i], -1)
		atomic.StoreInt64(&r.stableNum[i], -1)
		atomic.StoreInt64(&r.deliveredNum[i], -1)
		atomic.StoreInt64(&r.persistedNum[i], -1)
	}
}

type table struct {
	layout Layout
	rows   []*row
}

// SST 某个成员持有的表句柄，内嵌谓词执行器(一个后台goroutine)
type SST struct {
	service.BaseService

	tbl  *table
	mesh *Mesh
	me   int

	preds  *Predicates
	tickCh chan struct{}
}

func newSST(mesh *Mesh, tbl *table, me int, logger log.Logger) *SST {
	s := &SST{
		tbl:    tbl,
		mesh:   mesh,
		me:     me,
		tickCh: make(chan struct{}, 1),
	}
	s.preds = newPredicates()
	s.BaseService = *service.NewBaseService(logger, fmt.Sprintf("SST#%d", me), s)
	return s
}

func (s *SST) OnStart() error {
	go s.predicateLoop()
	return nil
}

func (s *SST) OnStop() {}

// predicateLoop 谓词执行器：每次tick串行评估所有已注册谓词
func (s *SST) predicateLoop() {
	for {
		select {
		case <-s.Quit():
			return
		case <-s.tickCh:
			s.preds.run(s)
		}
	}
}

// tick 合并式唤醒，执行器忙的时候多个put只留一个tick
func (s *SST) tick() {
	select {
	case s.tickCh <- struct{}{}:
	default:
	}
}

func (s *SST) Predicates() *Predicates {
	return s.preds
}

func (s *SST) NumRows() int {
	return len(s.tbl.rows)
}

func (s *SST) MyRank() int {
	return s.me
}

// ----- 读任意行 / 写自己的行 -----

func (s *SST) NumReceived(r, col int) int64 {
	return atomic.LoadInt64(&s.tbl.rows[r].numReceived[col])
}

func (s *SST) SetNumReceived(col int, v int64) {
	atomic.StoreInt64(&s.tbl.rows[s.me].numReceived[col], v)
}

func (s *SST) SeqNum(r, subgroup int) int64 {
	return atomic.LoadInt64(&s.tbl.rows[r].seqNum[subgroup])
}

func (s *SST) SetSeqNum(subgroup int, v int64) {
	atomic.StoreInt64(&s.tbl.rows[s.me].seqNum[subgroup], v)
}

func (s *SST) StableNum(r, subgroup int) int64 {
	return atomic.LoadInt64(&s.tbl.rows[r].stableNum[subgroup])
}

func (s *SST) SetStableNum(subgroup int, v int64) {
	atomic.StoreInt64(&s.tbl.rows[s.me].stableNum[subgroup], v)
}

func (s *SST) DeliveredNum(r, subgroup int) int64 {
	return atomic.LoadInt64(&s.tbl.rows[r].deliveredNum[subgroup])
}

func (s *SST) SetDeliveredNum(subgroup int, v int64) {
	atomic.StoreInt64(&s.tbl.rows[s.me].deliveredNum[subgroup], v)
}

func (s *SST) PersistedNum(r, subgroup int) int64 {
	return atomic.LoadInt64(&s.tbl.rows[r].persistedNum[subgroup])
}

func (s *SST) SetPersistedNum(subgroup int, v int64) {
	atomic.StoreInt64(&s.tbl.rows[s.me].persistedNum[subgroup], v)
}

func (s *SST) Heartbeat(r int) uint64 {
	return atomic.LoadUint64(&s.tbl.rows[r].heartbeat)
}

func (s *SST) SetHeartbeat(v uint64) {
	atomic.StoreUint64(&s.tbl.rows[s.me].heartbeat, v)
}

func (s *SST) VID(r int) int32 {
	return atomic.LoadInt32(&s.tbl.rows[r].vid)
}

func (s *SST) SetVID(v int32) {
	atomic.StoreInt32(&s.tbl.rows[s.me].vid, v)
}

// InitLocalRow 把自己的行重置成初始值(-1)，构造MulticastGroup时调用
func (s *SST) InitLocalRow() {
	s.tbl.rows[s.me].reset()
}

// ----- 发布 -----

// Put 把本行发布给全体成员
func (s *SST) Put() {
	s.mesh.notifyAll()
}

// PutCell 把本行的一个cell发布给指定的行集合(通常是本shard)
// mesh里数据本来就共享，这里的field/index只决定要唤醒谁；
// 换成网络SST时它们标出要传输的字节段
func (s *SST) PutCell(rows []int, field Field, index int) {
	s.mesh.notify(rows)
}

// SyncWithMembers 启动时强制一次一致性
// mesh发布即可见，因此等价于发布整行后返回
func (s *SST) SyncWithMembers() {
	s.Put()
}

func (s *SST) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "SST(%d rows, me=%d)\n", len(s.tbl.rows), s.me)
	for i := range s.tbl.rows {
		fmt.Fprintf(&b, "row %d: nr=", i)
		for c := 0; c < s.tbl.layout.NumReceivedCols; c++ {
			fmt.Fprintf(&b, "%d ", s.NumReceived(i, c))
		}
		for g := 0; g < s.tbl.layout.Subgroups; g++ {
			fmt.Fprintf(&b, "| g%d seq=%d stable=%d delivered=%d persisted=%d ",
				g, s.SeqNum(i, g), s.StableNum(i, g), s.DeliveredNum(i, g), s.PersistedNum(i, g))
		}
		fmt.Fprintf(&b, "| hb=%d vid=%d\n", s.Heartbeat(i), s.VID(i))
	}
	return b.String()
}
