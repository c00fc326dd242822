package persist

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/service"

	"github.com/jamiecn/derecho-unified/types"
)

// 持久化桥：delivery和buffer回收之间的一道闸
// 交付时消息进入writer队列，后台goroutine落盘，落盘确认后上层才回收buffer
// 并发布persisted_num

// Message 要落盘的一条消息的描述符
type Message struct {
	SubgroupNum int
	Sender      types.NodeID
	Index       int64
	ViewID      int32
	SeqNum      int64
	Cooked      bool
	Payload     []byte
}

// WrittenCallback 落盘确认后在writer的goroutine上调用
type WrittenCallback func(m Message)

// Writer view切换时writer整体转移给新group，回调换绑
type Writer interface {
	service.Service
	SetMessageWrittenCallback(cb WrittenCallback)
	WriteMessage(m Message)
}

// ----- 日志记录编码 -----
// record := { len:u32, view_id:u32, sender_id:u32, index:u64, cooked:u8, payload:byte[len] }
// 小端，按交付顺序append

const recordHeaderLength = 4 + 4 + 4 + 8 + 1

// Record 从日志里读回来的一条记录
type Record struct {
	ViewID   uint32
	SenderID uint32
	Index    uint64
	Cooked   bool
	Payload  []byte
}

func encodeRecord(w io.Writer, m Message) error {
	hdr := make([]byte, recordHeaderLength)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(m.Payload)))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(m.ViewID))
	binary.LittleEndian.PutUint32(hdr[8:12], m.Sender)
	binary.LittleEndian.PutUint64(hdr[12:20], uint64(m.Index))
	if m.Cooked {
		hdr[20] = 1
	}
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err := w.Write(m.Payload)
	return err
}

func decodeRecord(r io.Reader) (Record, error) {
	hdr := make([]byte, recordHeaderLength)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return Record{}, err
	}
	rec := Record{
		ViewID:   binary.LittleEndian.Uint32(hdr[4:8]),
		SenderID: binary.LittleEndian.Uint32(hdr[8:12]),
		Index:    binary.LittleEndian.Uint64(hdr[12:20]),
		Cooked:   hdr[20] == 1,
	}
	plen := binary.LittleEndian.Uint32(hdr[0:4])
	rec.Payload = make([]byte, plen)
	if _, err := io.ReadFull(r, rec.Payload); err != nil {
		return Record{}, errors.Wrap(err, "truncated record payload")
	}
	return rec, nil
}
