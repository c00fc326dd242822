package types

import (
	"fmt"

	"github.com/pkg/errors"
)

// NodeID 节点的全局唯一ID，由成员服务分配
type NodeID = uint32

// View 一次成员快照，每个view对应一个新的MulticastGroup实例
type View struct {
	VID     int32
	Members []NodeID
}

// RankOf 返回节点在本view里的下标，不在view里返回-1
func (v View) RankOf(id NodeID) int {
	for i, m := range v.Members {
		if m == id {
			return i
		}
	}
	return -1
}

func (v View) NumMembers() int {
	return len(v.Members)
}

func (v View) ValidateBasic() error {
	if len(v.Members) == 0 {
		return errors.New("view has no members")
	}
	seen := make(map[NodeID]struct{}, len(v.Members))
	for _, m := range v.Members {
		if _, ok := seen[m]; ok {
			return errors.Errorf("duplicated member %d in view %d", m, v.VID)
		}
		seen[m] = struct{}{}
	}
	return nil
}

func (v View) String() string {
	return fmt.Sprintf("View{vid: %d, members: %v}", v.VID, v.Members)
}
