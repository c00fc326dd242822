package rpc

import rpc "github.com/tendermint/tendermint/rpc/jsonrpc/server"

var Routes = map[string]*rpc.RPCFunc{
	"ordered_send": rpc.NewRPCFunc(OrderedSend, "subgroup,payload"),
	"status":       rpc.NewRPCFunc(Status, ""),
	"metrics":      rpc.NewRPCFunc(JSONMetrics, "label"),
}
