package client

import (
	"sort"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"wesworld/protocol"
)

// Sender 上行消息出口（通常是 *Conn）
type Sender interface {
	Send(msg protocol.ClientMessage) error
}

// Intent 本帧的原始输入
type Intent struct {
	Keyboard mgl64.Vec2
	Joystick mgl64.Vec2
}

// Transform 渲染层读取的实体状态
type Transform struct {
	ID       string
	Name     string
	Position mgl64.Vec3
	Yaw      float64
	Form     protocol.Form
	World    protocol.World
	Self     bool
}

type remoteEntity struct {
	target protocol.Entity
	pos    mgl64.Vec3
	yaw    float64
}

// Reconciler 客户端同步：本地实体每帧预测并节流上报，远端实体向最近快照插值。
// 非并发安全，应在渲染循环所在协程中调用所有方法。
type Reconciler struct {
	cfg      Config
	sender   Sender
	throttle *Throttle

	selfID    string
	self      *Body // nil 表示本地实体尚未出现在快照中，保持隐藏
	selfState protocol.Entity
	intent    mgl64.Vec2

	remotes  map[string]*remoteEntity
	lastTick uint64
}

func NewReconciler(cfg Config, sender Sender) *Reconciler {
	return &Reconciler{
		cfg:      cfg,
		sender:   sender,
		throttle: NewThrottle(cfg),
		remotes:  make(map[string]*remoteEntity),
	}
}

// Handle 分发服务端消息
func (r *Reconciler) Handle(msg protocol.ServerMessage) {
	switch msg.Type {
	case protocol.MsgPatchSelf:
		if msg.Entity != nil {
			r.ApplyPatchSelf(*msg.Entity)
		}
	case protocol.MsgWorldState:
		r.ApplyWorldState(msg.Tick, msg.Entities)
	}
}

// ApplyPatchSelf 记录服务端分配的 id 与字段；预测中的位置不被覆盖
func (r *Reconciler) ApplyPatchSelf(e protocol.Entity) {
	if r.selfID != "" && r.selfID != e.ID {
		r.self = nil
	}
	r.selfID = e.ID
	r.selfState = e
	delete(r.remotes, e.ID)
}

// ApplyWorldState 用最新快照替换远端目标；过期（tick 回退）的快照被忽略
func (r *Reconciler) ApplyWorldState(tick uint64, entities []protocol.Entity) {
	if tick != 0 && tick <= r.lastTick {
		return
	}
	r.lastTick = tick

	seen := make(map[string]struct{}, len(entities))
	selfSeen := false
	for _, e := range entities {
		seen[e.ID] = struct{}{}
		if e.ID == r.selfID {
			selfSeen = true
			r.selfState = e
			if r.self == nil {
				r.self = NewBody(r.cfg, r.groundOr(e.Position.Vec()), e.Yaw)
				r.throttle.Reset()
			}
			continue
		}
		if rem, ok := r.remotes[e.ID]; ok {
			rem.target = e
			continue
		}
		r.remotes[e.ID] = &remoteEntity{target: e, pos: r.groundOr(e.Position.Vec()), yaw: e.Yaw}
	}
	for id := range r.remotes {
		if _, ok := seen[id]; !ok {
			delete(r.remotes, id)
		}
	}
	// 被服务端移除（例如空闲回收）后重新隐藏
	if !selfSeen {
		r.self = nil
	}
}

// Frame 每个渲染帧调用一次：预测本地实体、节流上报、插值远端实体
func (r *Reconciler) Frame(now time.Time, dt float64, in Intent) error {
	r.intent = SampleIntent(in.Keyboard, in.Joystick, r.cfg.JoystickDeadzone)

	blend := r.cfg.BlendRate * dt
	for _, rem := range r.remotes {
		target := r.groundOr(rem.target.Position.Vec())
		for i := range rem.pos {
			rem.pos[i] = Lerp(rem.pos[i], target[i], blend)
		}
		rem.yaw = LerpAngle(rem.yaw, rem.target.Yaw, blend)
	}

	if r.self == nil {
		return nil
	}
	r.self.Step(r.cfg, r.intent, dt)
	if r.sender == nil || !r.throttle.Allow(now, r.self.Position, r.self.Yaw) {
		return nil
	}
	pos := protocol.NewVec3(r.self.Position)
	yaw := r.self.Yaw
	input := protocol.NewVec2(r.intent)
	return r.sender.Send(protocol.Move(protocol.Patch{Position: &pos, Yaw: &yaw, Input: &input}))
}

// Cycle 请求服务端切换形态或区域，结果随后续快照返回
func (r *Reconciler) Cycle(target protocol.CycleTarget, dir int) error {
	if r.sender == nil || r.selfID == "" {
		return nil
	}
	return r.sender.Send(protocol.Cycle(target, dir))
}

func (r *Reconciler) SelfID() string { return r.selfID }

// Self 返回本地实体；尚未出现在快照中时 ok 为 false
func (r *Reconciler) Self() (Transform, bool) {
	if r.self == nil {
		return Transform{}, false
	}
	return Transform{
		ID:       r.selfID,
		Name:     r.selfState.Name,
		Position: r.self.Position,
		Yaw:      r.self.Yaw,
		Form:     r.selfState.Form,
		World:    r.selfState.World,
		Self:     true,
	}, true
}

// Intent 最近一帧合并后的移动意图（诊断用）
func (r *Reconciler) Intent() mgl64.Vec2 { return r.intent }

// Entities 返回所有可见实体，按 id 排序
func (r *Reconciler) Entities() []Transform {
	out := make([]Transform, 0, len(r.remotes)+1)
	if self, ok := r.Self(); ok {
		out = append(out, self)
	}
	for id, rem := range r.remotes {
		out = append(out, Transform{
			ID:       id,
			Name:     rem.target.Name,
			Position: rem.pos,
			Yaw:      rem.yaw,
			Form:     rem.target.Form,
			World:    rem.target.World,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// groundOr 高度缺省（0）时使用站立高度
func (r *Reconciler) groundOr(v mgl64.Vec3) mgl64.Vec3 {
	if v[1] == 0 {
		v[1] = r.cfg.GroundHeight
	}
	return v
}
