package server

import (
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"wesworld/protocol"
)

// Entity 房间内的参与者实体（服务端权威状态）
type Entity struct {
	ID       string
	Name     string
	Position mgl64.Vec3
	Yaw      float64
	Form     protocol.Form
	World    protocol.World

	// LastUpdateAt 每次合并都会刷新，空闲回收依据它判断
	LastUpdateAt time.Time

	// Input 最近一次上报的移动意图，仅用于诊断
	Input *mgl64.Vec2

	named bool
}

// Wire 转换为线上格式
func (e *Entity) Wire() protocol.Entity {
	w := protocol.Entity{
		ID:         e.ID,
		Name:       e.Name,
		Position:   protocol.NewVec3(e.Position),
		Yaw:        e.Yaw,
		Form:       e.Form,
		World:      e.World,
		LastUpdate: e.LastUpdateAt.UnixMilli(),
	}
	if e.Input != nil {
		in := protocol.NewVec2(*e.Input)
		w.Input = &in
	}
	return w
}

// apply 浅合并：只覆盖 patch 中出现的字段
func (e *Entity) apply(p protocol.Patch) {
	if p.Position != nil {
		e.Position = p.Position.Vec()
	}
	if p.Yaw != nil {
		e.Yaw = *p.Yaw
	}
	if p.Input != nil {
		in := p.Input.Vec()
		e.Input = &in
	}
	if p.Form != nil {
		e.Form = *p.Form
	}
	if p.World != nil {
		e.World = *p.World
	}
}

// touch 刷新时间戳，保证对同一实体严格递增
func (e *Entity) touch(now time.Time) {
	if !now.After(e.LastUpdateAt) {
		now = e.LastUpdateAt.Add(time.Nanosecond)
	}
	e.LastUpdateAt = now
}
