package types

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// HeaderLength 消息头的固定长度，头部自带header_size字段，所以未来可以扩展
// 布局(小端)：header_size u32 | pause_sending_turns u32 | cooked_send u8 | 3字节保留
const HeaderLength = 12

var ErrShortHeader = errors.New("buffer shorter than message header")

// Header 是每条消息payload前的固定前缀
// PauseSendingTurns >= 0，表示发送方主动跳过的轮数，接收方用占位消息补齐
type Header struct {
	HeaderSize        uint32
	PauseSendingTurns uint32
	CookedSend        bool
}

// WriteHeader 把头部写进缓冲区的前HeaderLength个字节
func WriteHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint32(buf[0:4], h.HeaderSize)
	binary.LittleEndian.PutUint32(buf[4:8], h.PauseSendingTurns)
	if h.CookedSend {
		buf[8] = 1
	} else {
		buf[8] = 0
	}
	buf[9], buf[10], buf[11] = 0, 0, 0
}

// ParseHeader 从接收缓冲区解析头部
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLength {
		return Header{}, ErrShortHeader
	}
	h := Header{
		HeaderSize:        binary.LittleEndian.Uint32(buf[0:4]),
		PauseSendingTurns: binary.LittleEndian.Uint32(buf[4:8]),
		CookedSend:        buf[8] == 1,
	}
	if h.HeaderSize < HeaderLength {
		return Header{}, errors.Errorf("header reports size %d, below minimum %d", h.HeaderSize, HeaderLength)
	}
	return h, nil
}

// ComputeMaxMsgSize 最大消息大小 = payload上限+头部，向上对齐到block_size
func ComputeMaxMsgSize(maxPayloadSize, blockSize int64) int64 {
	maxMsgSize := maxPayloadSize + HeaderLength
	if maxMsgSize%blockSize != 0 {
		maxMsgSize = (maxMsgSize/blockSize + 1) * blockSize
	}
	return maxMsgSize
}
