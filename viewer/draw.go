package viewer

import (
	"fmt"
	"math"

	"github.com/gdamore/tcell/v2"
	"github.com/go-gl/mathgl/mgl64"

	"wesworld/client"
	"wesworld/protocol"
)

// Surface 绘制目标；tcell.Screen 满足该接口
type Surface interface {
	SetContent(x, y int, primary rune, combining []rune, style tcell.Style)
	Size() (width, height int)
	Clear()
	Show()
}

// 每个世界单位对应的字符格数（字符格高约为宽的两倍）
const (
	colsPerUnit = 4
	rowsPerUnit = 2
	hudRows     = 2
)

var (
	selfColor   = tcell.NewRGBColor(0xf9, 0x73, 0x16)
	remoteColor = tcell.NewRGBColor(0xfd, 0xe6, 0x8a)
	hudStyle    = tcell.StyleDefault.Foreground(tcell.ColorWhite).Bold(true)
	statusStyle = tcell.StyleDefault.Foreground(tcell.ColorGray)
)

// HUD 顶部信息栏内容
type HUD struct {
	Name    string
	Form    protocol.Form
	World   protocol.World
	Players int
	Status  string
}

// worldColor 区域主光色
func worldColor(w protocol.World) tcell.Color {
	switch w {
	case protocol.WorldSkyGarden:
		return tcell.NewRGBColor(0xfb, 0xbf, 0x24)
	case protocol.WorldNeonCity:
		return tcell.NewRGBColor(0x38, 0xbd, 0xf8)
	case protocol.WorldMushroomGrotto:
		return tcell.NewRGBColor(0x22, 0xc5, 0x5e)
	case protocol.WorldDeepCavern:
		return tcell.NewRGBColor(0xa8, 0x55, 0xf7)
	default:
		return tcell.ColorGray
	}
}

func formGlyph(f protocol.Form) rune {
	switch f {
	case protocol.FormYoung:
		return 'o'
	case protocol.FormCadet:
		return '@'
	case protocol.FormShadow:
		return '#'
	case protocol.FormQuantum:
		return '*'
	default:
		return '?'
	}
}

var facingArrows = [8]rune{'↑', '↗', '→', '↘', '↓', '↙', '←', '↖'}

// facingArrow yaw=0 朝 +z（屏幕上方），顺时针递增
func facingArrow(yaw float64) rune {
	i := int(math.Round(yaw/(math.Pi/4))) % 8
	if i < 0 {
		i += 8
	}
	return facingArrows[i]
}

// project 俯视投影：x 向右，z 向上；ok 为 false 表示落在可视区外
func project(pos, center mgl64.Vec3, width, height int) (sx, sy int, ok bool) {
	sx = width/2 + int(math.Round((pos[0]-center[0])*colsPerUnit))
	sy = hudRows + (height-hudRows)/2 - int(math.Round((pos[2]-center[2])*rowsPerUnit))
	ok = sx >= 0 && sx < width && sy >= hudRows && sy < height
	return sx, sy, ok
}

// Draw 绘制一帧：地面网格按本地实体所在区域着色，镜头跟随本地实体
func Draw(s Surface, entities []client.Transform, hud HUD) {
	s.Clear()
	width, height := s.Size()

	var center mgl64.Vec3
	for _, e := range entities {
		if e.Self {
			center = e.Position
			break
		}
	}

	drawGround(s, center, hud.World, width, height)
	for _, e := range entities {
		if !e.Self {
			drawEntity(s, e, center, width, height)
		}
	}
	// 本地实体最后绘制，保证不被遮挡
	for _, e := range entities {
		if e.Self {
			drawEntity(s, e, center, width, height)
		}
	}

	drawText(s, 0, 0, width, hudLine(hud), hudStyle)
	drawText(s, 0, 1, width, hud.Status, statusStyle)
	s.Show()
}

func hudLine(h HUD) string {
	name := h.Name
	if name == "" {
		name = "-"
	}
	return fmt.Sprintf(" %s  %s  %s  players:%d   WASD move  [ ] world  - = form  q quit",
		name, h.World, h.Form, h.Players)
}

func drawGround(s Surface, center mgl64.Vec3, w protocol.World, width, height int) {
	style := tcell.StyleDefault.Foreground(worldColor(w)).Dim(true)
	halfX := float64(width)/colsPerUnit/2 + 1
	halfZ := float64(height)/rowsPerUnit/2 + 1
	for x := math.Floor(center[0] - halfX); x <= center[0]+halfX; x++ {
		for z := math.Floor(center[2] - halfZ); z <= center[2]+halfZ; z++ {
			if sx, sy, ok := project(mgl64.Vec3{x, 0, z}, center, width, height); ok {
				s.SetContent(sx, sy, '·', nil, style)
			}
		}
	}
}

func drawEntity(s Surface, e client.Transform, center mgl64.Vec3, width, height int) {
	sx, sy, ok := project(e.Position, center, width, height)
	if !ok {
		return
	}
	style := tcell.StyleDefault.Foreground(remoteColor)
	if e.Self {
		style = tcell.StyleDefault.Foreground(selfColor).Bold(true)
	}
	s.SetContent(sx, sy, formGlyph(e.Form), nil, style)
	if sx+1 < width {
		s.SetContent(sx+1, sy, facingArrow(e.Yaw), nil, style)
	}
	drawText(s, sx+3, sy, width, e.Name, style.Bold(false))
}

func drawText(s Surface, x, y, width int, text string, style tcell.Style) {
	for _, r := range text {
		if x >= width {
			return
		}
		if x >= 0 {
			s.SetContent(x, y, r, nil, style)
		}
		x++
	}
}
