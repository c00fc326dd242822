package sst

import (
	tmsync "github.com/tendermint/tendermint/libs/sync"
)

// Predicate 对表的只读判断，不许阻塞
type Predicate func(*SST) bool

// Trigger 谓词成立时在执行器goroutine上运行，必须短小，不许做阻塞IO
type Trigger func(*SST)

type PredicateType int

const (
	// OneTime 触发一次后自动摘除
	OneTime PredicateType = iota
	// Recurrent 每次tick都评估
	Recurrent
)

// Handle Insert返回的句柄，Remove按句柄O(1)摘除
type Handle int64

type predEntry struct {
	handle Handle
	pred   Predicate
	trig   Trigger
	typ    PredicateType
}

func newPredicates() *Predicates {
	return &Predicates{
		entries: make(map[Handle]*predEntry),
	}
}

// Predicates 谓词注册表。注册和摘除随时可以并发发生，
// 执行器每次tick对当时的快照串行求值
type Predicates struct {
	mtx        tmsync.Mutex
	nextHandle Handle
	order      []Handle
	entries    map[Handle]*predEntry
}

func (p *Predicates) Insert(pred Predicate, trig Trigger, typ PredicateType) Handle {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	h := p.nextHandle
	p.nextHandle++
	p.entries[h] = &predEntry{handle: h, pred: pred, trig: trig, typ: typ}
	p.order = append(p.order, h)
	return h
}

func (p *Predicates) Remove(h Handle) {
	p.mtx.Lock()
	delete(p.entries, h)
	p.mtx.Unlock()
}

func (p *Predicates) snapshot() []*predEntry {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	out := make([]*predEntry, 0, len(p.entries))
	kept := p.order[:0]
	for _, h := range p.order {
		if e, ok := p.entries[h]; ok {
			out = append(out, e)
			kept = append(kept, h)
		}
	}
	p.order = kept
	return out
}

// run 一次tick：按注册顺序评估全部谓词
func (p *Predicates) run(s *SST) {
	for _, e := range p.snapshot() {
		if e.pred(s) {
			e.trig(s)
			if e.typ == OneTime {
				p.Remove(e.handle)
			}
		}
	}
}
