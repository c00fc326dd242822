package persist

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tm-db/memdb"
)

func testMessages(n int) []Message {
	msgs := make([]Message, n)
	for i := range msgs {
		msgs[i] = Message{
			SubgroupNum: 0,
			Sender:      3,
			Index:       int64(i),
			ViewID:      1,
			SeqNum:      int64(i),
			Cooked:      i%2 == 1,
			Payload:     []byte{byte(i), byte(i + 1)},
		}
	}
	return msgs
}

func TestFileWriterAppendsInOrder(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	dir, err := ioutil.TempDir("", "persist_test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "log")

	fw, err := NewFileWriter(path)
	require.NoError(t, err)

	written := make(chan Message, 16)
	fw.SetMessageWrittenCallback(func(m Message) { written <- m })
	require.NoError(t, fw.Start())

	msgs := testMessages(5)
	for _, m := range msgs {
		fw.WriteMessage(m)
	}
	// 回调按写入顺序到达
	for i := range msgs {
		select {
		case got := <-written:
			assert.Equal(t, msgs[i].Index, got.Index)
		case <-time.After(2 * time.Second):
			t.Fatalf("message %d never confirmed", i)
		}
	}
	require.NoError(t, fw.Stop())

	records, err := ReadLog(path)
	require.NoError(t, err)
	require.Len(t, records, 5)
	for i, rec := range records {
		assert.EqualValues(t, 1, rec.ViewID)
		assert.EqualValues(t, 3, rec.SenderID)
		assert.EqualValues(t, i, rec.Index)
		assert.Equal(t, i%2 == 1, rec.Cooked)
		assert.Equal(t, msgs[i].Payload, rec.Payload)
	}
}

func TestFileWriterDrainsQueueOnStop(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	dir, err := ioutil.TempDir("", "persist_test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "log")

	fw, err := NewFileWriter(path)
	require.NoError(t, err)
	require.NoError(t, fw.Start())

	for _, m := range testMessages(3) {
		fw.WriteMessage(m)
	}
	require.NoError(t, fw.Stop())

	// Stop后队列里的记录也要落盘
	assert.Eventually(t, func() bool {
		records, err := ReadLog(path)
		return err == nil && len(records) == 3
	}, 2*time.Second, 20*time.Millisecond)
}

func TestKVWriterDeliveryOrder(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	kw := NewKVWriter(memdb.NewDB())

	written := make(chan Message, 16)
	kw.SetMessageWrittenCallback(func(m Message) { written <- m })
	require.NoError(t, kw.Start())

	msgs := testMessages(4)
	// 乱序写入，迭代仍按seq排序
	kw.WriteMessage(msgs[1])
	kw.WriteMessage(msgs[0])
	kw.WriteMessage(msgs[3])
	kw.WriteMessage(msgs[2])
	for i := 0; i < 4; i++ {
		<-written
	}

	var got []uint64
	require.NoError(t, kw.IterateDeliveryOrder(func(rec Record) bool {
		got = append(got, rec.Index)
		return true
	}))
	assert.Equal(t, []uint64{0, 1, 2, 3}, got)

	require.NoError(t, kw.Stop())
}
