package client

import (
	"math"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"golang.org/x/time/rate"
)

// Throttle 上行发送节流：距上次发送至少 SendInterval，且位置或朝向变化超过阈值。
// 静止超过 KeepaliveInterval 时重发当前状态，防止被服务端当作空闲回收。
type Throttle struct {
	limiter   *rate.Limiter
	posEps    float64
	yawEps    float64
	keepalive time.Duration

	sent     bool
	lastSent time.Time
	lastPos  mgl64.Vec3
	lastYaw  float64
}

func NewThrottle(cfg Config) *Throttle {
	return &Throttle{
		limiter:   rate.NewLimiter(rate.Every(cfg.SendInterval), 1),
		posEps:    cfg.PositionEpsilon,
		yawEps:    cfg.YawEpsilon,
		keepalive: cfg.KeepaliveInterval,
	}
}

// Allow 判断当前状态是否需要发送；返回 true 时记为已发送
func (t *Throttle) Allow(now time.Time, pos mgl64.Vec3, yaw float64) bool {
	if t.sent && !t.changed(pos, yaw) && !t.due(now) {
		return false
	}
	if !t.limiter.AllowN(now, 1) {
		return false
	}
	t.sent = true
	t.lastSent = now
	t.lastPos = pos
	t.lastYaw = yaw
	return true
}

func (t *Throttle) changed(pos mgl64.Vec3, yaw float64) bool {
	return pos.Sub(t.lastPos).Len() > t.posEps || math.Abs(AngleDiff(t.lastYaw, yaw)) > t.yawEps
}

func (t *Throttle) due(now time.Time) bool {
	return t.keepalive > 0 && now.Sub(t.lastSent) >= t.keepalive
}

// Reset 清除发送记录（重新出现或重连后使用）
func (t *Throttle) Reset() {
	t.sent = false
}
