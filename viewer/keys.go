package viewer

import (
	"time"
	"unicode"

	"github.com/gdamore/tcell/v2"
	"github.com/go-gl/mathgl/mgl64"
)

// 终端只上报按下（含自动重复），不上报松开，按键在 hold 时间内视为持续按住
const DefaultHold = 200 * time.Millisecond

type Direction int

const (
	DirUp Direction = iota
	DirDown
	DirLeft
	DirRight
	numDirections
)

// HeldKeys 模拟按住状态
type HeldKeys struct {
	hold  time.Duration
	until [numDirections]time.Time
}

func NewHeldKeys(hold time.Duration) *HeldKeys {
	if hold <= 0 {
		hold = DefaultHold
	}
	return &HeldKeys{hold: hold}
}

// Press 记录一次按下；反方向立即松开
func (k *HeldKeys) Press(d Direction, now time.Time) {
	k.until[d] = now.Add(k.hold)
	k.until[opposite(d)] = time.Time{}
}

// Release 松开所有方向
func (k *HeldKeys) Release() {
	k.until = [numDirections]time.Time{}
}

// Vector 当前方向向量：x 右为正，y 前（上）为正，未归一化
func (k *HeldKeys) Vector(now time.Time) mgl64.Vec2 {
	var v mgl64.Vec2
	if k.held(DirLeft, now) {
		v[0]--
	}
	if k.held(DirRight, now) {
		v[0]++
	}
	if k.held(DirUp, now) {
		v[1]++
	}
	if k.held(DirDown, now) {
		v[1]--
	}
	return v
}

func (k *HeldKeys) held(d Direction, now time.Time) bool {
	return now.Before(k.until[d])
}

func opposite(d Direction) Direction {
	switch d {
	case DirUp:
		return DirDown
	case DirDown:
		return DirUp
	case DirLeft:
		return DirRight
	default:
		return DirLeft
	}
}

// directionFor 方向键与 WASD
func directionFor(key tcell.Key, r rune) (Direction, bool) {
	switch key {
	case tcell.KeyUp:
		return DirUp, true
	case tcell.KeyDown:
		return DirDown, true
	case tcell.KeyLeft:
		return DirLeft, true
	case tcell.KeyRight:
		return DirRight, true
	case tcell.KeyRune:
		switch unicode.ToLower(r) {
		case 'w':
			return DirUp, true
		case 's':
			return DirDown, true
		case 'a':
			return DirLeft, true
		case 'd':
			return DirRight, true
		}
	}
	return 0, false
}
