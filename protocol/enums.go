package protocol

import "fmt"

// Form 角色形态，固定有序的四个取值（循环切换依赖顺序）
type Form string

const (
	FormYoung   Form = "YOUNG"
	FormCadet   Form = "CADET"
	FormShadow  Form = "SHADOW"
	FormQuantum Form = "QUANTUM"
)

// World 区域标识，固定有序的四个取值
type World string

const (
	WorldSkyGarden      World = "SKY_GARDEN"
	WorldNeonCity       World = "NEON_CITY"
	WorldMushroomGrotto World = "MUSHROOM_GROTTO"
	WorldDeepCavern     World = "DEEP_CAVERN"
)

const (
	DefaultForm  = FormCadet
	DefaultWorld = WorldSkyGarden
)

var (
	forms  = [...]Form{FormYoung, FormCadet, FormShadow, FormQuantum}
	worlds = [...]World{WorldSkyGarden, WorldNeonCity, WorldMushroomGrotto, WorldDeepCavern}
)

// Forms 返回有序的形态列表（副本）
func Forms() []Form { return append([]Form(nil), forms[:]...) }

// Worlds 返回有序的区域列表（副本）
func Worlds() []World { return append([]World(nil), worlds[:]...) }

// Index 返回在有序集合中的下标，不合法时返回 -1
func (f Form) Index() int {
	for i, v := range forms {
		if v == f {
			return i
		}
	}
	return -1
}

func (f Form) Valid() bool { return f.Index() >= 0 }

// Cycle 按步数循环切换（负数为反向），对集合大小取模
func (f Form) Cycle(steps int) Form {
	i := f.Index()
	if i < 0 {
		return f
	}
	return forms[wrap(i+steps, len(forms))]
}

func (w World) Index() int {
	for i, v := range worlds {
		if v == w {
			return i
		}
	}
	return -1
}

func (w World) Valid() bool { return w.Index() >= 0 }

func (w World) Cycle(steps int) World {
	i := w.Index()
	if i < 0 {
		return w
	}
	return worlds[wrap(i+steps, len(worlds))]
}

// ParseForm 将字符串解析为 Form
func ParseForm(s string) (Form, error) {
	f := Form(s)
	if !f.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidForm, s)
	}
	return f, nil
}

// ParseWorld 将字符串解析为 World
func ParseWorld(s string) (World, error) {
	w := World(s)
	if !w.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidWorld, s)
	}
	return w, nil
}

func wrap(i, n int) int {
	i %= n
	if i < 0 {
		i += n
	}
	return i
}
