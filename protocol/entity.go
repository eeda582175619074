package protocol

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Vec3 世界坐标（线上格式）
type Vec3 struct {
	X float64 `json:"x" msgpack:"x"`
	Y float64 `json:"y" msgpack:"y"`
	Z float64 `json:"z" msgpack:"z"`
}

// Vec2 二维移动意图（线上格式）
type Vec2 struct {
	X float64 `json:"x" msgpack:"x"`
	Y float64 `json:"y" msgpack:"y"`
}

func NewVec3(v mgl64.Vec3) Vec3 { return Vec3{X: v[0], Y: v[1], Z: v[2]} }
func (v Vec3) Vec() mgl64.Vec3  { return mgl64.Vec3{v.X, v.Y, v.Z} }

func NewVec2(v mgl64.Vec2) Vec2 { return Vec2{X: v[0], Y: v[1]} }
func (v Vec2) Vec() mgl64.Vec2  { return mgl64.Vec2{v.X, v.Y} }

// Entity 广播给客户端的实体状态
type Entity struct {
	ID         string  `json:"id" msgpack:"id" jsonschema:"description=Connection id assigned by the server"`
	Name       string  `json:"name" msgpack:"name"`
	Position   Vec3    `json:"position" msgpack:"position"`
	Yaw        float64 `json:"yaw" msgpack:"yaw" jsonschema:"description=Rotation about the vertical axis in radians"`
	Form       Form    `json:"form" msgpack:"form" jsonschema:"enum=YOUNG,enum=CADET,enum=SHADOW,enum=QUANTUM"`
	World      World   `json:"world" msgpack:"world" jsonschema:"enum=SKY_GARDEN,enum=NEON_CITY,enum=MUSHROOM_GROTTO,enum=DEEP_CAVERN"`
	LastUpdate int64   `json:"lastUpdate" msgpack:"lastUpdate" jsonschema:"description=Unix milliseconds of the last accepted mutation"`
	Input      *Vec2   `json:"input,omitempty" msgpack:"input,omitempty" jsonschema:"description=Diagnostic movement intent"`
}

// Patch 部分状态更新：仅非 nil 字段参与合并
type Patch struct {
	Position *Vec3    `json:"position,omitempty" msgpack:"position,omitempty"`
	Yaw      *float64 `json:"yaw,omitempty" msgpack:"yaw,omitempty"`
	Input    *Vec2    `json:"input,omitempty" msgpack:"input,omitempty"`
	Form     *Form    `json:"form,omitempty" msgpack:"form,omitempty"`
	World    *World   `json:"world,omitempty" msgpack:"world,omitempty"`
}

// Empty 是否不携带任何字段
func (p Patch) Empty() bool {
	return p.Position == nil && p.Yaw == nil && p.Input == nil && p.Form == nil && p.World == nil
}

// Validate 拒绝非有限数值与枚举外取值；任一字段不合法则整条消息无效
func (p Patch) Validate() error {
	if p.Position != nil {
		if !finite(p.Position.X, p.Position.Y, p.Position.Z) {
			return fmt.Errorf("position: %w", ErrNonFinite)
		}
	}
	if p.Yaw != nil && !finite(*p.Yaw) {
		return fmt.Errorf("yaw: %w", ErrNonFinite)
	}
	if p.Input != nil {
		if !finite(p.Input.X, p.Input.Y) {
			return fmt.Errorf("input: %w", ErrNonFinite)
		}
		if math.Abs(p.Input.X) > 1+inputSlack || math.Abs(p.Input.Y) > 1+inputSlack {
			return fmt.Errorf("%w: input (%g,%g)", ErrOutOfRange, p.Input.X, p.Input.Y)
		}
	}
	if p.Form != nil && !p.Form.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidForm, string(*p.Form))
	}
	if p.World != nil && !p.World.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidWorld, string(*p.World))
	}
	return nil
}

const inputSlack = 1e-6

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
