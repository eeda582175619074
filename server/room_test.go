package server

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"wesworld/protocol"
)

type fakePeer struct {
	codec protocol.Codec

	mu     sync.Mutex
	frames [][]byte
	closed bool
	full   bool
}

func newFakePeer(codec protocol.Codec) *fakePeer { return &fakePeer{codec: codec} }

func (p *fakePeer) Codec() protocol.Codec { return p.codec }

func (p *fakePeer) Enqueue(b []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.full {
		return false
	}
	p.frames = append(p.frames, b)
	return true
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) rawFrames() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.frames...)
}

func (p *fakePeer) messages(t *testing.T) []protocol.ServerMessage {
	t.Helper()
	var out []protocol.ServerMessage
	for _, b := range p.rawFrames() {
		var msg protocol.ServerMessage
		if err := p.codec.Unmarshal(b, &msg); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

// waitFor 轮询直到某条消息满足条件
func (p *fakePeer) waitFor(t *testing.T, pred func(protocol.ServerMessage) bool) protocol.ServerMessage {
	t.Helper()
	var found protocol.ServerMessage
	eventually(t, func() bool {
		for _, msg := range p.messages(t) {
			if pred(msg) {
				found = msg
				return true
			}
		}
		return false
	})
	return found
}

type failingCodec struct{}

func (failingCodec) Name() string                { return "broken" }
func (failingCodec) Binary() bool                { return true }
func (failingCodec) Marshal(any) ([]byte, error) { return nil, errors.New("boom") }
func (failingCodec) Unmarshal([]byte, any) error { return errors.New("boom") }

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func newTestMetrics() *Metrics { return NewMetrics(prometheus.NewRegistry()) }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	return cfg
}

func runRoom(t *testing.T, room *Room) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- room.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errc
	})
	return ctx
}

func newRunningRoom(t *testing.T, cfg Config, opts ...Option) (*Room, context.Context) {
	t.Helper()
	opts = append([]Option{WithMetrics(newTestMetrics())}, opts...)
	room, err := NewRoom(cfg, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return room, runRoom(t, room)
}

func connect(t *testing.T, ctx context.Context, room *Room, id string) *fakePeer {
	t.Helper()
	p := newFakePeer(protocol.JSON)
	if err := room.Connect(ctx, id, p); err != nil {
		t.Fatalf("connect %s: %v", id, err)
	}
	return p
}

func findEntity(msg protocol.ServerMessage, id string) (protocol.Entity, bool) {
	for _, e := range msg.Entities {
		if e.ID == id {
			return e, true
		}
	}
	return protocol.Entity{}, false
}

func isWorldState(msg protocol.ServerMessage) bool { return msg.Type == protocol.MsgWorldState }

func TestJoinMoveAppearsInNextBroadcast(t *testing.T) {
	room, ctx := newRunningRoom(t, testConfig())
	a := connect(t, ctx, room, "A")

	room.Submit(Input{PeerID: "A", Msg: protocol.Join("Wes")})
	room.Submit(Input{PeerID: "A", Msg: protocol.Move(protocol.Patch{Position: &protocol.Vec3{X: 1, Y: 1.11, Z: 0}})})

	a.waitFor(t, func(msg protocol.ServerMessage) bool {
		if !isWorldState(msg) {
			return false
		}
		e, ok := findEntity(msg, "A")
		return ok && e.Name == "Wes" && e.Position == protocol.Vec3{X: 1, Y: 1.11, Z: 0}
	})
}

func TestJoinAcknowledgesCallerOnly(t *testing.T) {
	room, ctx := newRunningRoom(t, testConfig())
	a := connect(t, ctx, room, "A")
	b := connect(t, ctx, room, "B")

	room.Submit(Input{PeerID: "A", Msg: protocol.Join("Ada")})
	ack := a.waitFor(t, func(msg protocol.ServerMessage) bool { return msg.Type == protocol.MsgPatchSelf })
	if ack.Entity == nil || ack.Entity.ID != "A" || ack.Entity.Name != "Ada" {
		t.Fatalf("ack = %+v", ack.Entity)
	}
	if ack.Entity.Form != protocol.FormCadet || ack.Entity.World != protocol.WorldSkyGarden {
		t.Fatalf("ack defaults = %+v", ack.Entity)
	}

	// 等到 B 收到包含新名字的快照后，确认 B 从未收到 patchSelf
	b.waitFor(t, func(msg protocol.ServerMessage) bool {
		e, ok := findEntity(msg, "A")
		return ok && e.Name == "Ada"
	})
	for _, msg := range b.messages(t) {
		if msg.Type == protocol.MsgPatchSelf {
			t.Fatal("patchSelf leaked to another connection")
		}
	}
}

func TestJoinWithoutNameUsesPlaceholder(t *testing.T) {
	room, ctx := newRunningRoom(t, testConfig())
	a := connect(t, ctx, room, "A")
	room.Submit(Input{PeerID: "A", Msg: protocol.ClientMessage{Type: protocol.MsgJoin}})
	ack := a.waitFor(t, func(msg protocol.ServerMessage) bool { return msg.Type == protocol.MsgPatchSelf })
	if ack.Entity.Name != DefaultName {
		t.Fatalf("name = %q", ack.Entity.Name)
	}
}

func TestDisconnectOmittedFromNextSnapshot(t *testing.T) {
	room, ctx := newRunningRoom(t, testConfig())
	a := connect(t, ctx, room, "A")
	b := connect(t, ctx, room, "B")

	a.waitFor(t, func(msg protocol.ServerMessage) bool {
		_, ok := findEntity(msg, "B")
		return ok
	})
	room.Disconnect("B")
	eventually(t, b.isClosed)

	seen := len(a.rawFrames())
	a.waitFor(t, func(msg protocol.ServerMessage) bool {
		_, ok := findEntity(msg, "B")
		return isWorldState(msg) && !ok
	})
	// 断开之后的所有快照都不再包含 B
	eventually(t, func() bool { return len(a.rawFrames()) > seen+2 })
	msgs := a.messages(t)
	last := msgs[len(msgs)-1]
	if _, ok := findEntity(last, "B"); ok {
		t.Fatal("B reappeared after disconnect")
	}
	// 重复断开无副作用
	room.Disconnect("B")
}

func TestOppositeWorldCycles(t *testing.T) {
	room, ctx := newRunningRoom(t, testConfig())
	a := connect(t, ctx, room, "A")
	connect(t, ctx, room, "B")

	room.Submit(Input{PeerID: "A", Msg: protocol.Cycle(protocol.CycleWorld, 1)})
	room.Submit(Input{PeerID: "B", Msg: protocol.Cycle(protocol.CycleWorld, -1)})

	a.waitFor(t, func(msg protocol.ServerMessage) bool {
		ea, okA := findEntity(msg, "A")
		eb, okB := findEntity(msg, "B")
		return okA && okB && ea.World == protocol.WorldNeonCity && eb.World == protocol.WorldDeepCavern
	})
}

func TestMalformedMessagesKeepPriorState(t *testing.T) {
	room, ctx := newRunningRoom(t, testConfig())
	a := connect(t, ctx, room, "A")

	good := protocol.Vec3{X: 0.5, Y: 1.11, Z: 0.5}
	room.Submit(Input{PeerID: "A", Msg: protocol.Move(protocol.Patch{Position: &good})})

	nan := math.NaN()
	moon := protocol.World("MOON")
	room.Submit(Input{PeerID: "A", Msg: protocol.Move(protocol.Patch{Position: &protocol.Vec3{X: 9}, Yaw: &nan})})
	room.Submit(Input{PeerID: "A", Msg: protocol.Move(protocol.Patch{Position: &protocol.Vec3{X: 9}, World: &moon})})
	room.Submit(Input{PeerID: "A", Msg: protocol.ClientMessage{Type: "teleport"}})
	// 最后一条合法消息作为栅栏：看到它生效时，之前的非法消息都已处理
	yaw := 0.25
	room.Submit(Input{PeerID: "A", Msg: protocol.Move(protocol.Patch{Yaw: &yaw})})

	msg := a.waitFor(t, func(msg protocol.ServerMessage) bool {
		e, ok := findEntity(msg, "A")
		return ok && e.Yaw == 0.25
	})
	e, _ := findEntity(msg, "A")
	if e.Position != good || e.World != protocol.WorldSkyGarden {
		t.Fatalf("malformed message corrupted state: %+v", e)
	}
	if got := testutil.ToFloat64(room.metrics.messages.WithLabelValues("move", resultRejected)); got != 2 {
		t.Fatalf("rejected moves = %v", got)
	}
	if got := testutil.ToFloat64(room.metrics.messages.WithLabelValues("unknown", resultRejected)); got != 1 {
		t.Fatalf("rejected unknown = %v", got)
	}
}

func TestMessagesFromUnknownPeerAreIgnored(t *testing.T) {
	room, ctx := newRunningRoom(t, testConfig())
	connect(t, ctx, room, "A")
	room.Submit(Input{PeerID: "ghost", Msg: protocol.Join("Boo")})
	eventually(t, func() bool {
		return testutil.ToFloat64(room.metrics.messages.WithLabelValues("join", resultUnknownEntity)) == 1
	})
	snap, err := room.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap) != 1 || snap[0].ID != "A" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestIdleReaperRemovesEntityAndClosesPeer(t *testing.T) {
	clock := newStubClock()
	room, ctx := newRunningRoom(t, testConfig(), WithClock(clock))
	idle := connect(t, ctx, room, "idle")
	busy := connect(t, ctx, room, "busy")

	clock.Advance(59 * time.Second)
	room.Submit(Input{PeerID: "busy", Msg: protocol.Move(protocol.Patch{})})
	busy.waitFor(t, func(msg protocol.ServerMessage) bool {
		e, ok := findEntity(msg, "busy")
		return ok && e.LastUpdate == clock.Now().UnixMilli()
	})
	clock.Advance(1*time.Second + time.Millisecond)

	eventually(t, idle.isClosed)
	busy.waitFor(t, func(msg protocol.ServerMessage) bool {
		_, gone := findEntity(msg, "idle")
		_, here := findEntity(msg, "busy")
		return isWorldState(msg) && !gone && here
	})
	if busy.isClosed() {
		t.Fatal("active peer was reaped")
	}
	if got := testutil.ToFloat64(room.metrics.reaped); got != 1 {
		t.Fatalf("reaped_total = %v", got)
	}
}

func TestBroadcastCadence(t *testing.T) {
	cfg := testConfig()
	var mu sync.Mutex
	var times []time.Time
	_, _ = newRunningRoom(t, cfg, WithTickHook(func(_ uint64, at time.Time) {
		mu.Lock()
		times = append(times, at)
		mu.Unlock()
	}))

	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(times) >= 10
	})
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(times); i++ {
		if gap := times[i].Sub(times[i-1]); gap < cfg.TickInterval {
			t.Fatalf("ticks %d and %d only %s apart", i-1, i, gap)
		}
	}
}

func TestBroadcastSendsIdenticalFramesAndIsolatesFailures(t *testing.T) {
	room, ctx := newRunningRoom(t, testConfig())
	a := connect(t, ctx, room, "A")
	b := connect(t, ctx, room, "B")
	broken := newFakePeer(failingCodec{})
	if err := room.Connect(ctx, "C", broken); err != nil {
		t.Fatal(err)
	}
	full := newFakePeer(protocol.JSON)
	full.full = true
	if err := room.Connect(ctx, "D", full); err != nil {
		t.Fatal(err)
	}

	msg := a.waitFor(t, func(msg protocol.ServerMessage) bool { return isWorldState(msg) && len(msg.Entities) == 4 })
	b.waitFor(t, func(other protocol.ServerMessage) bool { return other.Tick == msg.Tick })

	frameFor := func(p *fakePeer, tick uint64) string {
		for i, m := range p.messages(t) {
			if m.Tick == tick {
				return string(p.rawFrames()[i])
			}
		}
		return ""
	}
	if frameFor(a, msg.Tick) != frameFor(b, msg.Tick) {
		t.Fatal("peers received different snapshot bytes for the same tick")
	}
	if len(broken.rawFrames()) != 0 {
		t.Fatal("broken codec peer received frames")
	}
	if testutil.ToFloat64(room.metrics.encodeErrors.WithLabelValues("broken")) == 0 {
		t.Fatal("encode error not counted")
	}
	if testutil.ToFloat64(room.metrics.framesDropped) == 0 {
		t.Fatal("dropped frame not counted")
	}
}

func TestPerConnectionRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessagesPerSecond = 1
	cfg.MessageBurst = 2
	clock := newStubClock()
	room, ctx := newRunningRoom(t, cfg, WithClock(clock))
	connect(t, ctx, room, "A")

	for i := 0; i < 5; i++ {
		room.Submit(Input{PeerID: "A", Msg: protocol.Move(protocol.Patch{})})
	}
	eventually(t, func() bool {
		accepted := testutil.ToFloat64(room.metrics.messages.WithLabelValues("move", resultAccepted))
		limited := testutil.ToFloat64(room.metrics.messages.WithLabelValues("move", resultRateLimited))
		return accepted == 2 && limited == 3
	})
}

func TestUpdateSettings(t *testing.T) {
	room, ctx := newRunningRoom(t, testConfig())
	idle := int64(30000)
	if err := room.UpdateSettings(ctx, Settings{IdleTimeoutMs: &idle}); err != nil {
		t.Fatal(err)
	}
	s, err := room.Settings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if *s.IdleTimeoutMs != 30000 {
		t.Fatalf("idle = %d", *s.IdleTimeoutMs)
	}
	zero := int64(0)
	if err := room.UpdateSettings(ctx, Settings{IdleTimeoutMs: &zero}); err == nil {
		t.Fatal("zero idle timeout accepted")
	}
	if s, _ := room.Settings(ctx); *s.IdleTimeoutMs != 30000 {
		t.Fatal("rejected update was partially applied")
	}
}

func TestBroadcastOnJoin(t *testing.T) {
	cfg := testConfig()
	cfg.TickInterval = 300 * time.Millisecond
	cfg.BroadcastOnJoin = true
	var ticks atomic.Uint64
	room, ctx := newRunningRoom(t, cfg, WithTickHook(func(tick uint64, _ time.Time) { ticks.Store(tick) }))

	a := connect(t, ctx, room, "A")
	a.waitFor(t, func(msg protocol.ServerMessage) bool {
		_, ok := findEntity(msg, "A")
		return ok
	})
	// 等到至少一次定时广播之后再加入 B
	eventually(t, func() bool { return ticks.Load() >= 1 })
	a.waitFor(t, func(msg protocol.ServerMessage) bool { return isWorldState(msg) && msg.Tick >= 2 })
	scheduled := ticks.Load()
	var newest uint64
	for _, msg := range a.messages(t) {
		if isWorldState(msg) && msg.Tick > newest {
			newest = msg.Tick
		}
	}

	connect(t, ctx, room, "B")
	got := a.waitFor(t, func(msg protocol.ServerMessage) bool {
		_, ok := findEntity(msg, "B")
		return ok
	})
	if ticks.Load() != scheduled {
		t.Fatalf("B only arrived with scheduled tick %d", ticks.Load())
	}
	// 客户端丢弃序号不大于已见值的快照，补发快照必须使用更大的序号
	if got.Tick <= newest {
		t.Fatalf("join snapshot seq %d not newer than %d", got.Tick, newest)
	}

	// 离开同样立即补发，序号继续递增
	room.Disconnect("B")
	left := a.waitFor(t, func(msg protocol.ServerMessage) bool {
		_, ok := findEntity(msg, "B")
		return isWorldState(msg) && !ok && msg.Tick > got.Tick
	})
	if _, ok := findEntity(left, "A"); !ok {
		t.Fatalf("leave snapshot lost A: %+v", left)
	}
}

func TestConnectCancelledAfterAcceptLeavesNoEntity(t *testing.T) {
	room, err := NewRoom(testConfig(), WithMetrics(newTestMetrics()))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := newFakePeer(protocol.JSON)
	errc := make(chan error, 1)
	go func() { errc <- room.Connect(ctx, "A", p) }()

	// 充当 Tick 协程：接收请求后调用方放弃等待，房间随后才完成创建
	req := <-room.joins
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Connect = %v, want context.Canceled", err)
	}
	room.connect(req)

	select {
	case id := <-room.leaves:
		if id != "A" {
			t.Fatalf("leave for %q", id)
		}
		room.disconnect(id)
	case <-time.After(2 * time.Second):
		t.Fatal("abandoned entity was never released")
	}
	if room.store.Len() != 0 || room.peers.Len() != 0 {
		t.Fatalf("entities=%d peers=%d after abandoned connect", room.store.Len(), room.peers.Len())
	}
	if !p.isClosed() {
		t.Fatal("abandoned peer left open")
	}
}

func TestConnectCancelledAfterRejectKeepsExisting(t *testing.T) {
	room, err := NewRoom(testConfig(), WithMetrics(newTestMetrics()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := room.store.Create("A"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- room.Connect(ctx, "A", newFakePeer(protocol.JSON)) }()

	req := <-room.joins
	cancel()
	<-errc
	room.connect(req) // 重复 id 被拒绝

	select {
	case id := <-room.leaves:
		t.Fatalf("rejected connect removed existing %q", id)
	case <-time.After(50 * time.Millisecond):
	}
	if room.store.Len() != 1 {
		t.Fatalf("entities = %d", room.store.Len())
	}
}

func TestShutdownClosesPeers(t *testing.T) {
	room, err := NewRoom(testConfig(), WithMetrics(newTestMetrics()))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- room.Run(ctx) }()

	p := newFakePeer(protocol.JSON)
	if err := room.Connect(ctx, "A", p); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}
	if !p.isClosed() {
		t.Fatal("peer left open after shutdown")
	}
	if err := room.Connect(context.Background(), "B", newFakePeer(protocol.JSON)); !errors.Is(err, ErrRoomClosed) {
		t.Fatalf("connect after shutdown: %v", err)
	}
	if err := room.Run(context.Background()); !errors.Is(err, ErrRoomRunning) {
		t.Fatalf("second Run: %v", err)
	}
	// 房间停止后断开请求直接返回
	room.Disconnect("A")
}
