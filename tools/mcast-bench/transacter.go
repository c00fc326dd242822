package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/tendermint/tendermint/libs/log"
	jsonrpc "github.com/tendermint/tendermint/rpc/jsonrpc/types"
)

const (
	sendTimeout = 10 * time.Second
	// see https://github.com/tendermint/tendermint/blob/master/rpc/jsonrpc/server/ws_handler.go
	pingPeriod = (30 * 9 / 10) * time.Second
)

// transacter 往ordered_send端点固定速率压消息
type transacter struct {
	Target      string
	Rate        int
	Connections int
	Subgroup    int
	PayloadSize int

	conns       []*websocket.Conn
	connsBroken []bool
	startingWg  sync.WaitGroup
	endingWg    sync.WaitGroup
	stopped     bool

	logger log.Logger
}

func newTransacter(target string, connections, rate, subgroup, payloadSize int) *transacter {
	return &transacter{
		Target:      target,
		Rate:        rate,
		Connections: connections,
		Subgroup:    subgroup,
		PayloadSize: payloadSize,
		conns:       make([]*websocket.Conn, connections),
		connsBroken: make([]bool, connections),
		logger:      log.NewNopLogger(),
	}
}

func (t *transacter) SetLogger(l log.Logger) {
	t.logger = l
}

func connect(host string) (*websocket.Conn, *http.Response, error) {
	u := url.URL{Scheme: "ws", Host: host, Path: "/websocket"}
	return websocket.DefaultDialer.Dial(u.String(), nil)
}

// Start 开N条连接，每条一读一写两个goroutine
func (t *transacter) Start() error {
	t.stopped = false

	rand.Seed(time.Now().Unix())

	for i := 0; i < t.Connections; i++ {
		c, _, err := connect(t.Target)
		if err != nil {
			return err
		}
		t.conns[i] = c
	}

	t.startingWg.Add(t.Connections)
	t.endingWg.Add(2 * t.Connections)
	for i := 0; i < t.Connections; i++ {
		go t.sendLoop(i)
		go t.receiveLoop(i)
	}

	t.startingWg.Wait()

	return nil
}

func (t *transacter) Stop() {
	t.stopped = true
	t.endingWg.Wait()
	for _, c := range t.conns {
		c.Close()
	}
}

// receiveLoop 把响应读掉，back-pressure错误降级成debug日志
func (t *transacter) receiveLoop(connIndex int) {
	c := t.conns[connIndex]
	defer t.endingWg.Done()
	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.logger.Error(
					fmt.Sprintf("failed to read response on conn %d", connIndex),
					"err", err,
				)
			}
			return
		}
		var resp jsonrpc.RPCResponse
		if err := json.Unmarshal(msg, &resp); err == nil && resp.Error != nil {
			t.logger.Debug("send rejected", "err", resp.Error.Data)
		}
		if t.stopped || t.connsBroken[connIndex] {
			return
		}
	}
}

// sendLoop 固定速率生成ordered_send请求
func (t *transacter) sendLoop(connIndex int) {
	started := false
	defer func() {
		if !started {
			t.startingWg.Done()
		}
	}()
	c := t.conns[connIndex]

	c.SetPingHandler(func(message string) error {
		err := c.WriteControl(websocket.PongMessage, []byte(message), time.Now().Add(sendTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		} else if e, ok := err.(net.Error); ok && e.Temporary() {
			return nil
		}
		return err
	})

	logger := t.logger.With("addr", c.RemoteAddr())

	pingsTicker := time.NewTicker(pingPeriod)
	txsTicker := time.NewTicker(1 * time.Second)
	defer func() {
		pingsTicker.Stop()
		txsTicker.Stop()
		t.endingWg.Done()
	}()

	for {
		select {
		case <-txsTicker.C:
			if !started {
				t.startingWg.Done()
				started = true
			}

			now := time.Now()
			for i := 0; i < t.Rate; i++ {
				payload := make([]byte, t.PayloadSize)
				rand.Read(payload)
				paramsJSON, err := json.Marshal(map[string]interface{}{
					"subgroup": t.Subgroup,
					"payload":  payload,
				})
				if err != nil {
					logger.Error("failed to encode params", "err", err)
					return
				}

				c.SetWriteDeadline(now.Add(sendTimeout))
				err = c.WriteJSON(jsonrpc.RPCRequest{
					JSONRPC: "2.0",
					ID:      jsonrpc.JSONRPCStringID("mcast-bench"),
					Method:  "ordered_send",
					Params:  json.RawMessage(paramsJSON),
				})
				if err != nil {
					err = errors.Wrap(err, fmt.Sprintf("send failed on connection #%d", connIndex))
					t.connsBroken[connIndex] = true
					logger.Error(err.Error())
					return
				}

				if i%5 == 0 {
					now = time.Now()
				}
			}

			if t.stopped {
				// 发一个close frame，让server体面收尾
				err := c.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
					time.Now().Add(sendTimeout))
				if err != nil {
					logger.Error("failed to write close message", "err", err)
				}
				return
			}
		case <-pingsTicker.C:
			err := c.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(sendTimeout))
			if err != nil {
				logger.Error("failed to write ping message", "err", err)
			}
		}
	}
}
