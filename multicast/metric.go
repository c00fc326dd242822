package multicast

import (
	jsoniter "github.com/json-iterator/go"
	gometrics "github.com/rcrowley/go-metrics"
)

func newGroupMetric() *groupMetric {
	return &groupMetric{
		sent:      gometrics.NewCounter(),
		delivered: gometrics.NewCounter(),
		persisted: gometrics.NewCounter(),
	}
}

// groupMetric group维度的计数，rpc的metrics端点按JSON导出
type groupMetric struct {
	sent      gometrics.Counter
	delivered gometrics.Counter
	persisted gometrics.Counter
}

func (gm *groupMetric) MarkSent() {
	gm.sent.Inc(1)
}

func (gm *groupMetric) MarkDelivered() {
	gm.delivered.Inc(1)
}

func (gm *groupMetric) MarkPersisted() {
	gm.persisted.Inc(1)
}

func (gm *groupMetric) SentNum() int64 {
	return gm.sent.Count()
}

func (gm *groupMetric) DeliveredNum() int64 {
	return gm.delivered.Count()
}

func (gm *groupMetric) PersistedNum() int64 {
	return gm.persisted.Count()
}

func (gm *groupMetric) JSONString() string {
	s, _ := jsoniter.MarshalToString(struct {
		SentNum      int64 `json:"sent_num"`
		DeliveredNum int64 `json:"delivered_num"`
		PersistedNum int64 `json:"persisted_num"`
	}{
		SentNum:      gm.sent.Count(),
		DeliveredNum: gm.delivered.Count(),
		PersistedNum: gm.persisted.Count(),
	})
	return s
}
