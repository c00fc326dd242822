package persist

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/service"
	tmsync "github.com/tendermint/tendermint/libs/sync"
	tmdb "github.com/tendermint/tm-db"
	"github.com/tendermint/tm-db/goleveldb"
)

// KVWriter 同一套Writer契约落到tm-db(goleveldb)上
// key = vid|subgroup|seq 大端拼接，迭代顺序即交付顺序
type KVWriter struct {
	service.BaseService

	db    tmdb.DB
	queue chan Message

	cbMtx tmsync.Mutex
	cb    WrittenCallback
}

func NewKVWriter(db tmdb.DB) *KVWriter {
	kw := &KVWriter{
		db:    db,
		queue: make(chan Message, writeQueueCapacity),
	}
	kw.BaseService = *service.NewBaseService(nil, "KVWriter", kw)
	return kw
}

// NewKVWriterWithDir 在dir下建(或打开)一个goleveldb实例
func NewKVWriterWithDir(name, dir string) (*KVWriter, error) {
	db, err := goleveldb.NewDB(name, dir)
	if err != nil {
		return nil, errors.Wrapf(err, "open persistence db %s/%s", dir, name)
	}
	return NewKVWriter(db), nil
}

func (kw *KVWriter) SetMessageWrittenCallback(cb WrittenCallback) {
	kw.cbMtx.Lock()
	kw.cb = cb
	kw.cbMtx.Unlock()
}

func (kw *KVWriter) WriteMessage(m Message) {
	kw.queue <- m
}

func (kw *KVWriter) OnStart() error {
	go kw.writeLoop()
	return nil
}

func (kw *KVWriter) OnStop() {}

func (kw *KVWriter) writeLoop() {
	defer kw.db.Close()
	for {
		select {
		case <-kw.Quit():
			for {
				select {
				case m := <-kw.queue:
					kw.writeOne(m)
				default:
					return
				}
			}
		case m := <-kw.queue:
			kw.writeOne(m)
		}
	}
}

func recordKey(m Message) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint32(key[0:4], uint32(m.ViewID))
	binary.BigEndian.PutUint32(key[4:8], uint32(m.SubgroupNum))
	binary.BigEndian.PutUint64(key[8:16], uint64(m.SeqNum))
	return key
}

func recordValue(m Message) []byte {
	val := make([]byte, 13+len(m.Payload))
	if m.Cooked {
		val[0] = 1
	}
	binary.BigEndian.PutUint32(val[1:5], m.Sender)
	binary.BigEndian.PutUint64(val[5:13], uint64(m.Index))
	copy(val[13:], m.Payload)
	return val
}

func (kw *KVWriter) writeOne(m Message) {
	// SetSync保证回调之前已经durable
	if err := kw.db.SetSync(recordKey(m), recordValue(m)); err != nil {
		kw.Logger.Error("persist record to kv failed", "err", err, "index", m.Index)
		return
	}

	kw.cbMtx.Lock()
	cb := kw.cb
	kw.cbMtx.Unlock()
	if cb != nil {
		cb(m)
	}
}

// IterateDeliveryOrder 按交付顺序遍历全部记录，fn返回false提前停止
func (kw *KVWriter) IterateDeliveryOrder(fn func(rec Record) bool) error {
	it, err := kw.db.Iterator(nil, nil)
	if err != nil {
		return err
	}
	defer it.Close()

	for ; it.Valid(); it.Next() {
		val := it.Value()
		if len(val) < 13 {
			return errors.New("corrupted kv record")
		}
		rec := Record{
			ViewID:   binary.BigEndian.Uint32(it.Key()[0:4]),
			SenderID: binary.BigEndian.Uint32(val[1:5]),
			Index:    binary.BigEndian.Uint64(val[5:13]),
			Cooked:   val[0] == 1,
			Payload:  append([]byte(nil), val[13:]...),
		}
		if !fn(rec) {
			break
		}
	}
	return it.Error()
}
