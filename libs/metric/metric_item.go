package metric

// MetricItem - 一个独立的组件对应一个MetricItem
// 组件内部自己负责加锁，JSONString随时可以被rpc调用
type MetricItem interface {
	JSONString() string
}

type mockMetricItem struct {
	name string
}

func (mock *mockMetricItem) JSONString() string {
	return mock.name
}
