package rdmc

import (
	"github.com/pkg/errors"

	"github.com/jamiecn/derecho-unified/types"
)

// 可靠块多播传输层的契约。保证：
//   - 每次Send在所有正确成员处要么完整收到要么完全没有
//   - 同一个(group, sender)内保持FIFO
// 真实实现跑在RDMA verbs/libfabric上，这里只消费契约；
// MemTransport是进程内实现，测试和单机实验用

// Algorithm 多播算法，核心只负责透传给传输层
type Algorithm int

const (
	BinomialSend Algorithm = iota
	ChainSend
	SequentialSend
	TreeSend
)

func (a Algorithm) String() string {
	switch a {
	case BinomialSend:
		return "binomial_send"
	case ChainSend:
		return "chain_send"
	case SequentialSend:
		return "sequential_send"
	case TreeSend:
		return "tree_send"
	}
	return "unknown"
}

// AlgorithmFromString 解析配置文件里的算法名
func AlgorithmFromString(s string) (Algorithm, error) {
	for _, a := range []Algorithm{BinomialSend, ChainSend, SequentialSend, TreeSend} {
		if a.String() == s {
			return a, nil
		}
	}
	return BinomialSend, errors.Errorf("unknown rdmc send algorithm %q", s)
}

// ReceiveDestination 目的地回调的返回值：往哪块注册内存的哪个偏移写
type ReceiveDestination struct {
	Buf    *types.MessageBuffer
	Offset int64
}

// IncomingMessageCallback 新消息到达前调用，返回写入目的地
// 调用方保证有可用buffer(窗口和pool的大小约定)，拿不到是编程错误
type IncomingMessageCallback func(size int64) ReceiveDestination

// MessageCallback 一条消息的全部块都落地后调用，data指向目的buffer
type MessageCallback func(data []byte, size int64)

// CompletionCallback 发送完成时调用，failed非nil表示有成员失败
type CompletionCallback func(failed *types.NodeID)

// Transport 一个节点看到的传输层句柄
// CreateGroup必须由member列表里的每个成员以同样的参数各调用一次；
// members[0]是该group的唯一发送者(调用方负责旋转成员表)
type Transport interface {
	CreateGroup(id uint16, members []types.NodeID, blockSize int64, algo Algorithm,
		incoming IncomingMessageCallback, receive MessageCallback, completion CompletionCallback) bool
	Send(id uint16, buf *types.MessageBuffer, offset, size int64) bool
	DestroyGroup(id uint16)
}
