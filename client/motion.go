package client

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Lerp 线性插值，t 截断到 [0,1]
func Lerp(a, b, t float64) float64 {
	return a + (b-a)*mgl64.Clamp(t, 0, 1)
}

// AngleDiff 返回 b-a 在 [-π, π) 内的最短角差
func AngleDiff(a, b float64) float64 {
	d := math.Mod(b-a+math.Pi, 2*math.Pi)
	if d < 0 {
		d += 2 * math.Pi
	}
	return d - math.Pi
}

// LerpAngle 沿最短路径插值角度
func LerpAngle(a, b, t float64) float64 {
	return a + AngleDiff(a, b)*mgl64.Clamp(t, 0, 1)
}

// Body 本地控制实体的预测状态
type Body struct {
	Position mgl64.Vec3
	Velocity mgl64.Vec3
	Yaw      float64
	Grounded bool
}

// NewBody 从服务端位置初始化
func NewBody(cfg Config, pos mgl64.Vec3, yaw float64) *Body {
	return &Body{Position: pos, Yaw: yaw, Grounded: pos.Y() <= cfg.GroundHeight}
}

// Step 按帧推进：速度向目标速度指数逼近 → 重力 → 位置积分 → 地面钳制 → 朝向
// intent 为已归一化的二维意图，x 为横移，y 为前后（对应世界 z）
func (b *Body) Step(cfg Config, intent mgl64.Vec2, dt float64) {
	if dt <= 0 {
		return
	}
	blend := cfg.BlendRate * dt

	speed := cfg.Speed
	if !b.Grounded {
		speed *= cfg.AirControl
	}
	target := intent.Mul(speed)
	b.Velocity[0] = Lerp(b.Velocity[0], target[0], blend)
	b.Velocity[2] = Lerp(b.Velocity[2], target[1], blend)

	if !b.Grounded {
		b.Velocity[1] = math.Max(b.Velocity[1]+cfg.Gravity*dt, cfg.MaxFallSpeed)
	}

	next := b.Position.Add(b.Velocity.Mul(dt))
	if next[1] <= cfg.GroundHeight {
		next[1] = cfg.GroundHeight
		b.Velocity[1] = 0
		b.Grounded = true
	} else {
		b.Grounded = false
	}
	b.Position = next

	if math.Min(1, intent.Len()) > cfg.TurnThreshold {
		desired := math.Atan2(target[0], target[1])
		b.Yaw = LerpAngle(b.Yaw, desired, blend)
	}
}
