package rpc

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/jamiecn/derecho-unified/libs/metric"
	"github.com/jamiecn/derecho-unified/multicast"
)

var (
	env  *Environment
	json = jsoniter.ConfigCompatibleWithStandardLibrary
)

func SetEnvironment(e *Environment) {
	env = e
}

// GroupProvider view会切换，rpc每次都从宿主拿当前的group
type GroupProvider interface {
	Group() *multicast.Group
}

type Environment struct {
	Provider GroupProvider

	MetricSet *metric.MetricSet
}
