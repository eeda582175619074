package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"wesworld/protocol"
)

// ClientConn 负责发送（写）数据到客户端的轻量包装，实现 Peer
type ClientConn struct {
	id    string
	ws    *websocket.Conn
	send  chan []byte
	codec protocol.Codec

	closeOnce sync.Once
}

func NewClientConn(id string, ws *websocket.Conn, codec protocol.Codec, queueSize int) *ClientConn {
	return &ClientConn{
		id:    id,
		ws:    ws,
		send:  make(chan []byte, queueSize),
		codec: codec,
	}
}

func (c *ClientConn) ID() string            { return c.id }
func (c *ClientConn) Codec() protocol.Codec { return c.codec }

// Enqueue 将要发送的消息压入队列（非阻塞，满则丢弃）
func (c *ClientConn) Enqueue(b []byte) bool {
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// Close 关闭发送队列，写协程发出关闭帧后断开底层连接
func (c *ClientConn) Close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

func (c *ClientConn) frameType() int {
	if c.codec.Binary() {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

// writePump 独立协程，负责从 send 队列写出到 WS，并定期发送 ping
func (c *ClientConn) writePump(cfg Config, log *zap.SugaredLogger) {
	ping := time.NewTicker(cfg.PongWait * 9 / 10)
	defer func() {
		ping.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(c.frameType(), msg); err != nil {
				log.Warnw("write failed", "id", c.id, "err", err)
				return
			}
		case <-ping.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 读取客户端消息，解码后提交给房间
func (c *ClientConn) readPump(room *Room, cfg Config, log *zap.SugaredLogger) {
	defer c.ws.Close()
	// 读泵退出时，通知房间在 Tick 协程中移除该实体
	defer room.Disconnect(c.id)
	c.ws.SetReadLimit(cfg.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Infow("connection lost", "id", c.id, "err", err)
			}
			return
		}
		var msg protocol.ClientMessage
		if err := c.codec.Unmarshal(payload, &msg); err != nil {
			room.metrics.message("unknown", resultDecodeError)
			log.Debugw("decode failed", "id", c.id, "err", err)
			continue
		}
		room.Submit(Input{PeerID: c.id, Msg: msg})
	}
}

// WSHandler WebSocket 接入：/ws?codec=json|msgpack
type WSHandler struct {
	room     *Room
	cfg      Config
	log      *zap.SugaredLogger
	upgrader websocket.Upgrader
}

func NewWSHandler(room *Room, cfg Config, log *zap.SugaredLogger) *WSHandler {
	if log == nil {
		log = Log
	}
	return &WSHandler{
		room: room,
		cfg:  cfg,
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// 演示环境：允许所有来源（生产环境需严格限制）
				return true
			},
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	codec, err := protocol.LookupCodec(r.URL.Query().Get("codec"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	// 传输层分配连接 id，同时作为实体主键
	id := uuid.NewString()
	client := NewClientConn(id, ws, codec, h.cfg.SendQueueSize)
	if err := h.room.Connect(r.Context(), id, client); err != nil {
		h.log.Warnw("connect rejected", "id", id, "err", err)
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "room unavailable")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.cfg.WriteWait))
		_ = ws.Close()
		return
	}
	h.log.Infow("connection opened", "id", id, "remote", r.RemoteAddr, "codec", codec.Name())

	go client.writePump(h.cfg, h.log)
	go client.readPump(h.room, h.cfg, h.log)
}
