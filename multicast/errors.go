package multicast

import "errors"

var (
	ErrBadWindowSize      = errors.New("window size must be at least 1")
	ErrBadParams          = errors.New("invalid multicast group parameters")
	ErrNotInView          = errors.New("this node is not a member of the view")
	ErrNoSenders          = errors.New("shard has no senders")
	ErrUnknownShardMember = errors.New("shard member is not in the view")
	ErrBadSubgroup        = errors.New("node does not belong to this subgroup")

	// ErrGroupWedged group已经wedge，等新view
	ErrGroupWedged = errors.New("multicast group is wedged")
	// ErrGroupsNotCreated 传输组没建成(有成员已经失败)，group不收不发
	ErrGroupsNotCreated = errors.New("transport groups were not created for this view")
	// ErrBackPressure 窗口满或者pool空，调用方过会儿重试
	ErrBackPressure = errors.New("send window is full")
)
