package client

import "github.com/go-gl/mathgl/mgl64"

// SampleIntent 合并输入源：默认使用键盘向量，摇杆幅度超过死区时覆盖键盘
// 结果各分量截断到 [-1,1]，幅度大于 1e-3 时归一化
func SampleIntent(keyboard, joystick mgl64.Vec2, deadzone float64) mgl64.Vec2 {
	v := keyboard
	if joystick.Len() > deadzone {
		v = joystick
	}
	v = mgl64.Vec2{mgl64.Clamp(v[0], -1, 1), mgl64.Clamp(v[1], -1, 1)}
	if l := v.Len(); l > 1e-3 {
		return v.Mul(1 / l)
	}
	return mgl64.Vec2{}
}
