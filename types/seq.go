package types

// 序号约定：S个发送者的shard里，发送者槽位k、发送者本地序号i的消息
// seq_num = i*S + k。全序比较只看seq_num。

// SeqNum 把(index, 槽位)映射成shard内的全序序号
func SeqNum(index int64, shardSize int, slot int) int64 {
	return index*int64(shardSize) + int64(slot)
}

// SeqToIndex seq_num对应的发送者本地序号
func SeqToIndex(seq int64, shardSize int) int64 {
	return seq / int64(shardSize)
}

// SeqToSlot seq_num对应的发送者槽位
func SeqToSlot(seq int64, shardSize int) int {
	return int(seq % int64(shardSize))
}
