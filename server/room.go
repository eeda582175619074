package server

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"wesworld/protocol"
)

var (
	ErrRoomClosed  = errors.New("room closed")
	ErrRoomRunning = errors.New("room already running")
)

// Input 客户端入站消息，附带发送方连接 id
type Input struct {
	PeerID string
	Msg    protocol.ClientMessage
}

type connectRequest struct {
	id    string
	peer  Peer
	reply chan error
}

// Room 房间世界：实体表与连接表都只由 Run 所在协程访问，
// 其他协程通过通道提交连接、断开、输入与查询
type Room struct {
	cfg   Config
	store *EntityStore
	peers *Registry

	inbox   chan Input
	joins   chan connectRequest
	leaves  chan string
	queries chan func(*Room)
	done    chan struct{}
	running atomic.Bool

	log     *zap.SugaredLogger
	metrics *Metrics
	clock   Clock
	rng     *rand.Rand
	tracer  trace.Tracer
	onTick  func(tick uint64, at time.Time)

	tickSeq     uint64
	snapshotSeq uint64
}

// Option 房间可选项
type Option func(*Room)

func WithLogger(l *zap.SugaredLogger) Option { return func(r *Room) { r.log = l } }
func WithMetrics(m *Metrics) Option          { return func(r *Room) { r.metrics = m } }
func WithClock(c Clock) Option               { return func(r *Room) { r.clock = c } }
func WithRand(rng *rand.Rand) Option         { return func(r *Room) { r.rng = rng } }
func WithTracer(t trace.Tracer) Option       { return func(r *Room) { r.tracer = t } }

// WithTickHook 每次定时广播完成后回调（tick 序号与调度时间）
func WithTickHook(fn func(tick uint64, at time.Time)) Option {
	return func(r *Room) { r.onTick = fn }
}

// NewRoom 创建房间，初始化数据结构；需调用 Run 才开始 Tick
func NewRoom(cfg Config, opts ...Option) (*Room, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Room{
		cfg:     cfg,
		peers:   NewRegistry(),
		inbox:   make(chan Input, cfg.InboxSize), // 足够缓冲，避免网络读阻塞影响 Tick
		joins:   make(chan connectRequest),
		leaves:  make(chan string, 64),
		queries: make(chan func(*Room)),
		done:    make(chan struct{}),
		clock:   SystemClock,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = Log
	}
	if r.metrics == nil {
		r.metrics = NewMetrics(nil)
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer("wesworld/server")
	}
	r.store = NewEntityStore(cfg, r.clock, r.rng)
	return r, nil
}

// Connect 注册连接并创建实体；不立即广播，等待下一个 Tick（除非开启 BroadcastOnJoin）
func (r *Room) Connect(ctx context.Context, id string, p Peer) error {
	req := connectRequest{id: id, peer: p, reply: make(chan error, 1)}
	select {
	case r.joins <- req:
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		// 请求已被房间接收；若随后创建成功则立即移除，避免留下无人持有的实体
		go func() {
			select {
			case err := <-req.reply:
				if err == nil {
					r.Disconnect(id)
				}
			case <-r.done:
			}
		}()
		return ctx.Err()
	}
}

// Disconnect 请求在 Tick 协程中移除实体与连接
func (r *Room) Disconnect(id string) {
	// 为保证移除一定生效，这里采用阻塞式写入；房间已停止时直接返回
	select {
	case r.leaves <- id:
	case <-r.done:
	}
}

// Submit 入站输入（非阻塞）：队列满时丢弃，保证 Tick 准时
func (r *Room) Submit(in Input) bool {
	select {
	case r.inbox <- in:
		return true
	default:
		r.metrics.message(messageKind(in.Msg.Type), resultQueueFull)
		return false
	}
}

// Snapshot 返回当前实体表的线上格式副本
func (r *Room) Snapshot(ctx context.Context) ([]protocol.Entity, error) {
	var out []protocol.Entity
	err := r.do(ctx, func(r *Room) {
		for _, e := range r.store.Snapshot() {
			out = append(out, e.Wire())
		}
	})
	return out, err
}

// Stats 房间运行状态
type Stats struct {
	Tick        uint64 `json:"tick"`
	Entities    int    `json:"entities"`
	Connections int    `json:"connections"`
}

func (r *Room) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := r.do(ctx, func(r *Room) {
		s = Stats{Tick: r.tickSeq, Entities: r.store.Len(), Connections: r.peers.Len()}
	})
	return s, err
}

// Settings 可热更新的配置子集
type Settings struct {
	IdleTimeoutMs        *int64   `json:"idleTimeoutMs,omitempty"`
	MaxMessagesPerSecond *float64 `json:"maxMessagesPerSecond,omitempty"`
	MessageBurst         *int     `json:"messageBurst,omitempty"`
}

// Settings 读取当前可热更新配置
func (r *Room) Settings(ctx context.Context) (Settings, error) {
	var s Settings
	err := r.do(ctx, func(r *Room) {
		idle := r.cfg.IdleTimeout.Milliseconds()
		rateLimit := r.cfg.MaxMessagesPerSecond
		burst := r.cfg.MessageBurst
		s = Settings{IdleTimeoutMs: &idle, MaxMessagesPerSecond: &rateLimit, MessageBurst: &burst}
	})
	return s, err
}

// UpdateSettings 在 Tick 协程中应用配置，非法值整体拒绝
func (r *Room) UpdateSettings(ctx context.Context, s Settings) error {
	var applyErr error
	err := r.do(ctx, func(r *Room) {
		next := r.cfg
		if s.IdleTimeoutMs != nil {
			next.IdleTimeout = time.Duration(*s.IdleTimeoutMs) * time.Millisecond
		}
		if s.MaxMessagesPerSecond != nil {
			next.MaxMessagesPerSecond = *s.MaxMessagesPerSecond
		}
		if s.MessageBurst != nil {
			next.MessageBurst = *s.MessageBurst
		}
		if applyErr = next.Validate(); applyErr != nil {
			return
		}
		r.cfg = next
		r.peers.SetRate(rate.Limit(next.MaxMessagesPerSecond), next.MessageBurst)
		r.log.Infof("config updated: idle=%s rate=%.1f burst=%d", next.IdleTimeout, next.MaxMessagesPerSecond, next.MessageBurst)
	})
	if err != nil {
		return err
	}
	return applyErr
}

func (r *Room) do(ctx context.Context, fn func(*Room)) error {
	finished := make(chan struct{})
	task := func(r *Room) {
		fn(r)
		close(finished)
	}
	select {
	case r.queries <- task:
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// connect 在 Tick 协程中执行：建实体 + 登记连接
func (r *Room) connect(req connectRequest) {
	if _, err := r.store.Create(req.id); err != nil {
		req.reply <- err
		return
	}
	limiter := rate.NewLimiter(rate.Limit(r.cfg.MaxMessagesPerSecond), r.cfg.MessageBurst)
	r.peers.Add(req.id, req.peer, limiter)
	r.metrics.setPopulation(r.store.Len(), r.peers.Len())
	r.log.Infow("entity created", "id", req.id, "codec", req.peer.Codec().Name())
	req.reply <- nil

	if r.cfg.BroadcastOnJoin {
		r.broadcast(r.clock.Now())
	}
}

// disconnect 移除实体与连接；重复调用无副作用
func (r *Room) disconnect(id string) {
	removed := r.store.Remove(id)
	if p, ok := r.peers.Remove(id); ok {
		p.Close()
	}
	if removed {
		r.metrics.setPopulation(r.store.Len(), r.peers.Len())
		r.log.Infow("entity removed", "id", id, "reason", "disconnect")
		if r.cfg.BroadcastOnJoin {
			r.broadcast(r.clock.Now())
		}
	}
}

// handleInput 校验并合并一条入站消息；任何错误都只影响这一条消息
func (r *Room) handleInput(in Input) {
	kind := messageKind(in.Msg.Type)
	limiter := r.peers.limiter(in.PeerID)
	if limiter == nil {
		r.metrics.message(kind, resultUnknownEntity)
		return
	}
	if !limiter.AllowN(r.clock.Now(), 1) {
		r.metrics.message(kind, resultRateLimited)
		return
	}
	if err := in.Msg.Validate(); err != nil {
		r.metrics.message(kind, resultRejected)
		r.log.Debugw("message rejected", "id", in.PeerID, "type", kind, "err", err)
		return
	}

	var ok bool
	switch in.Msg.Type {
	case protocol.MsgJoin:
		var name string
		if in.Msg.Name != nil {
			name = *in.Msg.Name
		}
		var e Entity
		if e, ok = r.store.SetName(in.PeerID, name); ok {
			r.log.Infow("joined", "id", in.PeerID, "name", e.Name)
			r.sendTo(in.PeerID, protocol.PatchSelf(e.Wire()))
		}
	case protocol.MsgMove:
		_, ok = r.store.Merge(in.PeerID, in.Msg.Patch)
	case protocol.MsgCycle:
		_, ok = r.store.Cycle(in.PeerID, in.Msg.Target, in.Msg.Dir)
	}
	if !ok {
		r.metrics.message(kind, resultUnknownEntity)
		return
	}
	r.metrics.message(kind, resultAccepted)
}

// sendTo 仅发送给指定连接（不广播）
func (r *Room) sendTo(id string, msg protocol.ServerMessage) {
	p, ok := r.peers.Get(id)
	if !ok {
		return
	}
	b, err := p.Codec().Marshal(msg)
	if err != nil {
		r.metrics.encodeErrors.WithLabelValues(p.Codec().Name()).Inc()
		r.log.Warnw("encode direct message failed", "id", id, "type", msg.Type, "err", err)
		return
	}
	if !p.Enqueue(b) {
		r.metrics.framesDropped.Inc()
	}
}

// shutdown 关闭所有连接
func (r *Room) shutdown() {
	for _, id := range r.peers.IDs() {
		if p, ok := r.peers.Remove(id); ok {
			p.Close()
		}
		r.store.Remove(id)
	}
	r.metrics.setPopulation(0, 0)
}

func messageKind(t protocol.MessageType) string {
	switch t {
	case protocol.MsgJoin, protocol.MsgMove, protocol.MsgCycle:
		return string(t)
	default:
		return "unknown"
	}
}
