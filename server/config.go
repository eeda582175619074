package server

import (
	"errors"
	"fmt"
	"time"
)

const (
	// TicksPerSecond 广播频率（20 TPS）
	TicksPerSecond = 20

	DefaultIdleTimeout = 60 * time.Second
	DefaultName        = "Wes"
	MaxNameLength      = 32
)

var tickInterval = time.Duration(1000/TicksPerSecond) * time.Millisecond // 50ms

// Config 房间与连接参数
type Config struct {
	TickInterval time.Duration
	IdleTimeout  time.Duration

	// 出生点：x/z 在 [-SpawnRange, SpawnRange] 内随机，高度固定
	SpawnRange  float64
	SpawnHeight float64
	DefaultName string

	InboxSize     int
	SendQueueSize int

	// 每个连接的入站消息限流（条/秒，突发容量）
	MaxMessagesPerSecond float64
	MessageBurst         int

	ReadLimit int64
	PongWait  time.Duration
	WriteWait time.Duration

	// BroadcastOnJoin 为 true 时连接建立后立即补发一次快照，默认等待下一个 Tick
	BroadcastOnJoin bool
}

func DefaultConfig() Config {
	return Config{
		TickInterval:         tickInterval,
		IdleTimeout:          DefaultIdleTimeout,
		SpawnRange:           2,
		SpawnHeight:          1.11,
		DefaultName:          DefaultName,
		InboxSize:            256,
		SendQueueSize:        64,
		MaxMessagesPerSecond: 60,
		MessageBurst:         30,
		ReadLimit:            1 << 20, // 1MB
		PongWait:             60 * time.Second,
		WriteWait:            5 * time.Second,
	}
}

// Validate 检查配置是否可用
func (c Config) Validate() error {
	var errs []error
	if c.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("tick interval must be positive, got %s", c.TickInterval))
	}
	if c.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("idle timeout must be positive, got %s", c.IdleTimeout))
	}
	if c.SpawnRange < 0 {
		errs = append(errs, fmt.Errorf("spawn range must not be negative, got %g", c.SpawnRange))
	}
	if c.InboxSize <= 0 || c.SendQueueSize <= 0 {
		errs = append(errs, errors.New("queue sizes must be positive"))
	}
	if c.MaxMessagesPerSecond <= 0 || c.MessageBurst <= 0 {
		errs = append(errs, errors.New("message rate and burst must be positive"))
	}
	if c.PongWait <= 0 || c.WriteWait <= 0 {
		errs = append(errs, errors.New("websocket timeouts must be positive"))
	}
	return errors.Join(errs...)
}
