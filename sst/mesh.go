package sst

import (
	"github.com/tendermint/tendermint/libs/log"
)

// Mesh 进程内的SST网：n个成员共享一张表
// 测试和单机实验用它，线上部署换成网络版SST，契约不变
type Mesh struct {
	tbl  *table
	ssts []*SST
}

func NewMesh(numMembers int, layout Layout, logger log.Logger) *Mesh {
	tbl := &table{layout: layout}
	for i := 0; i < numMembers; i++ {
		tbl.rows = append(tbl.rows, newRow(layout))
	}

	m := &Mesh{tbl: tbl}
	for i := 0; i < numMembers; i++ {
		m.ssts = append(m.ssts, newSST(m, tbl, i, logger.With("sst", i)))
	}
	return m
}

func (m *Mesh) SST(i int) *SST {
	return m.ssts[i]
}

func (m *Mesh) NumMembers() int {
	return len(m.ssts)
}

// Start 启动所有成员的谓词执行器
func (m *Mesh) Start() error {
	for _, s := range m.ssts {
		if err := s.Start(); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mesh) Stop() {
	for _, s := range m.ssts {
		_ = s.Stop()
	}
}

func (m *Mesh) notifyAll() {
	for _, s := range m.ssts {
		s.tick()
	}
}

func (m *Mesh) notify(rows []int) {
	for _, r := range rows {
		if r >= 0 && r < len(m.ssts) {
			m.ssts[r].tick()
		}
	}
}
