package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"wesworld/protocol"
)

var ErrClosed = errors.New("client: connection closed")

const writeWait = 5 * time.Second

// Conn 到服务端的 WebSocket 连接。读协程把解码后的消息送入 Incoming，
// 连接断开时关闭该通道。Send 可被多个协程调用。
type Conn struct {
	ws    *websocket.Conn
	codec protocol.Codec
	log   *zap.SugaredLogger

	incoming chan protocol.ServerMessage

	mu     sync.Mutex
	closed bool
	quit   chan struct{} // Close 时关闭，解除读协程的阻塞投递
	done   chan struct{}
	err    error
}

// Dial 连接 rawURL（ws:// 或 wss://），并通过查询参数协商编码
func Dial(ctx context.Context, rawURL string, codec protocol.Codec, log *zap.SugaredLogger) (*Conn, error) {
	if codec == nil {
		codec = protocol.JSON
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse url: %w", err)
	}
	q := u.Query()
	q.Set("codec", codec.Name())
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", u.Redacted(), err)
	}
	c := &Conn{
		ws:       ws,
		codec:    codec,
		log:      log,
		incoming: make(chan protocol.ServerMessage, 64),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Incoming 服务端消息；连接断开后关闭
func (c *Conn) Incoming() <-chan protocol.ServerMessage { return c.incoming }

// Done 在读协程退出后关闭
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err 读协程退出原因（正常关闭时为 nil）
func (c *Conn) Err() error {
	<-c.done
	return c.err
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer close(c.incoming)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.isClosed() {
				c.err = err
				c.log.Warnw("read failed", "err", err)
			}
			return
		}
		var msg protocol.ServerMessage
		if err := c.codec.Unmarshal(data, &msg); err != nil {
			c.log.Debugw("decode failed, message dropped", "err", err)
			continue
		}
		if !c.deliver(msg) {
			return
		}
	}
}

// deliver 投递一条消息，连接关闭时返回 false。
// 队列满时只丢弃新到的全量快照（后续快照会覆盖它）；patchSelf 等消息阻塞等待，不可丢失。
func (c *Conn) deliver(msg protocol.ServerMessage) bool {
	if msg.Type == protocol.MsgWorldState {
		select {
		case c.incoming <- msg:
		default:
			c.log.Debugw("incoming queue full, snapshot dropped", "tick", msg.Tick)
		}
		return true
	}
	select {
	case c.incoming <- msg:
		return true
	case <-c.quit:
		return false
	}
}

// Send 编码并发送一条上行消息
func (c *Conn) Send(msg protocol.ClientMessage) error {
	data, err := c.codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("client: encode %s: %w", msg.Type, err)
	}
	frame := websocket.TextMessage
	if c.codec.Binary() {
		frame = websocket.BinaryMessage
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(frame, data); err != nil {
		return fmt.Errorf("client: write: %w", err)
	}
	return nil
}

// Close 发送关闭帧并断开，可重复调用
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.quit)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.mu.Unlock()

	select {
	case <-c.done:
	case <-time.After(time.Second):
	}
	return c.ws.Close()
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
