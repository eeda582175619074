// Package viewer 终端俯视客户端：采集键盘意图驱动 client.Reconciler，并用 tcell 绘制实体
package viewer

import (
	"context"
	"errors"
	"time"

	"github.com/gdamore/tcell/v2"
	"go.uber.org/zap"

	"wesworld/client"
	"wesworld/protocol"
)

var ErrDisconnected = errors.New("viewer: server closed the connection")

const (
	DefaultFrameInterval = 16 * time.Millisecond // ~60 FPS
	maxFrameDt           = 0.1
)

// Screen 运行循环所需的终端能力；tcell.Screen 满足该接口
type Screen interface {
	Surface
	PollEvent() tcell.Event
	Sync()
}

// Source 服务端消息来源（通常是 *client.Conn）
type Source interface {
	Incoming() <-chan protocol.ServerMessage
}

type Viewer struct {
	screen        Screen
	rec           *client.Reconciler
	source        Source
	keys          *HeldKeys
	log           *zap.SugaredLogger
	frameInterval time.Duration

	status string
	last   time.Time
}

type Option func(*Viewer)

func WithLogger(l *zap.SugaredLogger) Option { return func(v *Viewer) { v.log = l } }
func WithHold(d time.Duration) Option        { return func(v *Viewer) { v.keys = NewHeldKeys(d) } }

func WithFrameInterval(d time.Duration) Option {
	return func(v *Viewer) {
		if d > 0 {
			v.frameInterval = d
		}
	}
}

func New(screen Screen, rec *client.Reconciler, source Source, opts ...Option) *Viewer {
	v := &Viewer{
		screen:        screen,
		rec:           rec,
		source:        source,
		keys:          NewHeldKeys(DefaultHold),
		log:           zap.NewNop().Sugar(),
		frameInterval: DefaultFrameInterval,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Run 事件循环：按键、服务端消息、渲染帧都在同一协程处理。
// 用户退出或 ctx 取消时返回 nil，服务端断开时返回 ErrDisconnected。
// 调用方负责 screen 的 Init 与 Fini；Fini 后事件协程随之退出。
func (v *Viewer) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)

	events := make(chan tcell.Event, 100)
	go func() {
		for {
			ev := v.screen.PollEvent()
			if ev == nil {
				return
			}
			select {
			case events <- ev:
			case <-done:
				return
			}
		}
	}()

	ticker := time.NewTicker(v.frameInterval)
	defer ticker.Stop()
	v.last = time.Now()

	incoming := v.source.Incoming()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			if v.handleEvent(ev, time.Now()) {
				return nil
			}
		case msg, ok := <-incoming:
			if !ok {
				return ErrDisconnected
			}
			v.rec.Handle(msg)
		case now := <-ticker.C:
			v.frame(now)
		}
	}
}

// handleEvent 返回 true 表示退出
func (v *Viewer) handleEvent(ev tcell.Event, now time.Time) bool {
	switch ev := ev.(type) {
	case *tcell.EventKey:
		return v.handleKey(ev.Key(), ev.Rune(), now)
	case *tcell.EventResize:
		v.screen.Sync()
	}
	return false
}

func (v *Viewer) handleKey(key tcell.Key, r rune, now time.Time) bool {
	switch key {
	case tcell.KeyEscape, tcell.KeyCtrlC:
		return true
	}
	if d, ok := directionFor(key, r); ok {
		v.keys.Press(d, now)
		return false
	}
	if key != tcell.KeyRune {
		return false
	}
	switch r {
	case 'q', 'Q':
		return true
	case '[':
		v.cycle(protocol.CycleWorld, -1)
	case ']':
		v.cycle(protocol.CycleWorld, 1)
	case '-':
		v.cycle(protocol.CycleForm, -1)
	case '=', '+':
		v.cycle(protocol.CycleForm, 1)
	case ' ':
		v.keys.Release()
	}
	return false
}

func (v *Viewer) cycle(target protocol.CycleTarget, dir int) {
	if err := v.rec.Cycle(target, dir); err != nil {
		v.status = err.Error()
		v.log.Warnw("cycle request failed", "target", target, "dir", dir, "err", err)
	}
}

// frame 推进预测并重绘
func (v *Viewer) frame(now time.Time) {
	dt := now.Sub(v.last).Seconds()
	v.last = now
	if dt > maxFrameDt {
		dt = maxFrameDt
	}
	if err := v.rec.Frame(now, dt, client.Intent{Keyboard: v.keys.Vector(now)}); err != nil {
		v.status = err.Error()
		v.log.Warnw("move report failed", "err", err)
	}
	entities := v.rec.Entities()
	Draw(v.screen, entities, v.hud(len(entities)))
}

func (v *Viewer) hud(players int) HUD {
	h := HUD{
		World:   protocol.DefaultWorld,
		Players: players,
		Status:  v.status,
	}
	if self, ok := v.rec.Self(); ok {
		h.Name = self.Name
		h.Form = self.Form
		h.World = self.World
	} else if h.Status == "" {
		h.Status = "waiting for server..."
	}
	return h
}
