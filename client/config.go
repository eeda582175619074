package client

import "time"

// Config 本地预测与同步参数
type Config struct {
	Speed        float64 // 水平目标速度（单位/秒）
	AirControl   float64 // 空中时目标速度的缩放
	Gravity      float64
	MaxFallSpeed float64 // 负数，竖直速度下限
	BlendRate    float64 // 指数插值速率，每帧系数为 BlendRate*dt

	// GroundHeight 站立时角色中心高度（地面接触高度）
	GroundHeight float64

	SendInterval      time.Duration
	PositionEpsilon   float64
	YawEpsilon        float64
	// KeepaliveInterval 状态未变化时的重发间隔，需小于服务端空闲超时；<=0 关闭
	KeepaliveInterval time.Duration

	JoystickDeadzone float64
	TurnThreshold    float64
}

func DefaultConfig() Config {
	return Config{
		Speed:             4,
		AirControl:        0.5,
		Gravity:           -18,
		MaxFallSpeed:      -20,
		BlendRate:         10,
		GroundHeight:      1.11,
		SendInterval:      50 * time.Millisecond,
		PositionEpsilon:   0.01,
		YawEpsilon:        0.01,
		KeepaliveInterval: 20 * time.Second,
		JoystickDeadzone:  0.1,
		TurnThreshold:     0.01,
	}
}
