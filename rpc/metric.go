package rpc

import (
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"
)

type ResultMetrics struct {
	Metrics map[string]string `json:"metrics"`
}

// JSONMetrics label为空返回全部metric
func JSONMetrics(ctx *rpctypes.Context, label string) (*ResultMetrics, error) {
	result := &ResultMetrics{Metrics: make(map[string]string)}

	var labels []string
	if label != "" {
		labels = []string{label}
	} else {
		labels = env.MetricSet.GetAllLabels()
	}

	for _, l := range labels {
		item := env.MetricSet.GetMetrics(l)
		if item != nil {
			result.Metrics[l] = item.JSONString()
		}
	}

	return result, nil
}
