package rpc

import (
	"errors"

	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"
)

var ErrNoGroup = errors.New("no multicast group installed yet")

type ResultOrderedSend struct {
	Subgroup int `json:"subgroup"`
	Size     int `json:"size"`
}

// OrderedSend 把payload作为一条raw消息发进subgroup
// 窗口满的话把back-pressure错误原样抛给调用方重试
func OrderedSend(ctx *rpctypes.Context, subgroup int, payload []byte) (*ResultOrderedSend, error) {
	g := env.Provider.Group()
	if g == nil {
		return nil, ErrNoGroup
	}
	if err := g.OrderedSend(subgroup, payload, false); err != nil {
		return nil, err
	}
	return &ResultOrderedSend{Subgroup: subgroup, Size: len(payload)}, nil
}

type ResultStatus struct {
	VID         int32  `json:"vid"`
	MemberIndex int    `json:"member_index"`
	SST         string `json:"sst"`
}

func Status(ctx *rpctypes.Context) (*ResultStatus, error) {
	g := env.Provider.Group()
	if g == nil {
		return nil, ErrNoGroup
	}
	return &ResultStatus{
		VID:         g.View().VID,
		MemberIndex: g.MemberIndex(),
		SST:         g.StatusString(),
	}, nil
}
