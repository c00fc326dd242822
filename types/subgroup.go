package types

// SubgroupInfo 成员函数，由成员服务在构造时提供
// 对同一个view所有成员必须计算出一致的结果
// ShardSendersFn标出shard里哪些成员是发送者，nil表示全员发送；
// 序号空间只按发送者展开(S=发送者数量)，非发送成员照常接收、交付
type SubgroupInfo struct {
	NumSubgroupsFn    func(numMembers int) int
	NumShardsFn       func(numMembers, subgroup int) int
	ShardMembershipFn func(members []NodeID, subgroup, shard int) []NodeID
	ShardSendersFn    func(members []NodeID, subgroup, shard int) []bool
}

func (si SubgroupInfo) NumSubgroups(numMembers int) int {
	return si.NumSubgroupsFn(numMembers)
}

func (si SubgroupInfo) NumShards(numMembers, subgroup int) int {
	return si.NumShardsFn(numMembers, subgroup)
}

func (si SubgroupInfo) ShardMembership(members []NodeID, subgroup, shard int) []NodeID {
	return si.ShardMembershipFn(members, subgroup, shard)
}

// ShardSenders 返回与ShardMembership等长的标记表
func (si SubgroupInfo) ShardSenders(members []NodeID, subgroup, shard int) []bool {
	shardMembers := si.ShardMembership(members, subgroup, shard)
	if si.ShardSendersFn == nil {
		all := make([]bool, len(shardMembers))
		for i := range all {
			all[i] = true
		}
		return all
	}
	return si.ShardSendersFn(members, subgroup, shard)
}

// OneSubgroupAllMembers 最常用的布局：一个subgroup、一个shard、全员收发
func OneSubgroupAllMembers() SubgroupInfo {
	return SubgroupInfo{
		NumSubgroupsFn: func(n int) int { return 1 },
		NumShardsFn:    func(n, subgroup int) int { return 1 },
		ShardMembershipFn: func(members []NodeID, subgroup, shard int) []NodeID {
			out := make([]NodeID, len(members))
			copy(out, members)
			return out
		},
	}
}

// OneSubgroupWithSenders 一个subgroup一个shard，只有指定下标的成员发送
func OneSubgroupWithSenders(senderIdx ...int) SubgroupInfo {
	si := OneSubgroupAllMembers()
	si.ShardSendersFn = func(members []NodeID, subgroup, shard int) []bool {
		flags := make([]bool, len(members))
		for _, idx := range senderIdx {
			if idx >= 0 && idx < len(flags) {
				flags[idx] = true
			}
		}
		return flags
	}
	return si
}

// ShardAndIndex 本节点在某个subgroup里的归属：shard编号和shard内的下标
type ShardAndIndex struct {
	Shard int
	Index int
}

// NumReceivedLayout 计算SST里num_received列的布局
// 每个subgroup占用max(shard发送者数)列，base[i]是subgroup i的起始列
// 所有节点对同一个view必须算出同样的布局
func NumReceivedLayout(info SubgroupInfo, members []NodeID) (total int, base []int) {
	numMembers := len(members)
	numSubgroups := info.NumSubgroups(numMembers)
	base = make([]int, numSubgroups)
	offset := 0
	for i := 0; i < numSubgroups; i++ {
		base[i] = offset
		maxShardSenders := 0
		for j := 0; j < info.NumShards(numMembers, i); j++ {
			n := 0
			for _, isSender := range info.ShardSenders(members, i, j) {
				if isSender {
					n++
				}
			}
			if n > maxShardSenders {
				maxShardSenders = n
			}
		}
		offset += maxShardSenders
	}
	return offset, base
}
