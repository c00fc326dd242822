package persist

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/service"
	tmsync "github.com/tendermint/tendermint/libs/sync"
)

const writeQueueCapacity = 64

// FileWriter append-only文件日志
// 一个后台goroutine顺序消费队列：编码、写入、fsync，然后回调
type FileWriter struct {
	service.BaseService

	path string
	f    *os.File

	queue chan Message

	cbMtx tmsync.Mutex
	cb    WrittenCallback
}

func NewFileWriter(path string) (*FileWriter, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open persistence log %s", path)
	}
	fw := &FileWriter{
		path:  path,
		f:     f,
		queue: make(chan Message, writeQueueCapacity),
	}
	fw.BaseService = *service.NewBaseService(nil, "FileWriter", fw)
	return fw, nil
}

func (fw *FileWriter) SetMessageWrittenCallback(cb WrittenCallback) {
	fw.cbMtx.Lock()
	fw.cb = cb
	fw.cbMtx.Unlock()
}

// WriteMessage 入队，队列满会阻塞调用者(delivery谓词持着group的msgStateMtx调用)
func (fw *FileWriter) WriteMessage(m Message) {
	fw.queue <- m
}

func (fw *FileWriter) OnStart() error {
	go fw.writeLoop()
	return nil
}

func (fw *FileWriter) OnStop() {}

func (fw *FileWriter) writeLoop() {
	defer fw.f.Close()
	for {
		select {
		case <-fw.Quit():
			// 停机前把已入队的写完
			for {
				select {
				case m := <-fw.queue:
					fw.writeOne(m)
				default:
					return
				}
			}
		case m := <-fw.queue:
			fw.writeOne(m)
		}
	}
}

func (fw *FileWriter) writeOne(m Message) {
	if err := encodeRecord(fw.f, m); err != nil {
		fw.Logger.Error("append persistence record failed", "err", err, "index", m.Index)
		return
	}
	// 落盘确认之后才允许回调(persisted_num只在durable write之后发布)
	if err := fw.f.Sync(); err != nil {
		fw.Logger.Error("fsync persistence log failed", "err", err)
		return
	}

	fw.cbMtx.Lock()
	cb := fw.cb
	fw.cbMtx.Unlock()
	if cb != nil {
		cb(m)
	}
}

// ReadLog 顺序读一个日志文件的全部记录，read-log命令和测试用
func ReadLog(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []Record
	for {
		rec, err := decodeRecord(f)
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
}
