package server

import "time"

// Clock 时间来源；测试中可替换为可控时钟
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock 使用真实时间
var SystemClock Clock = systemClock{}
