package server

import (
	"errors"
	"math/rand"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-gl/mathgl/mgl64"

	"wesworld/protocol"
)

var ErrDuplicateID = errors.New("entity id already exists")

// EntityStore 实体表：id -> Entity
// 非并发安全，只允许 Room 的 Tick 协程访问（单写者）
type EntityStore struct {
	entities map[string]*Entity
	clock    Clock
	rng      *rand.Rand

	spawnRange  float64
	spawnHeight float64
	defaultName string
}

func NewEntityStore(cfg Config, clock Clock, rng *rand.Rand) *EntityStore {
	if clock == nil {
		clock = SystemClock
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &EntityStore{
		entities:    make(map[string]*Entity),
		clock:       clock,
		rng:         rng,
		spawnRange:  cfg.SpawnRange,
		spawnHeight: cfg.SpawnHeight,
		defaultName: cfg.DefaultName,
	}
}

// Create 以出生默认值创建实体：随机 x/z，固定高度，默认形态与区域
func (s *EntityStore) Create(id string) (Entity, error) {
	if _, ok := s.entities[id]; ok {
		return Entity{}, ErrDuplicateID
	}
	e := &Entity{
		ID:   id,
		Name: s.defaultName,
		Position: mgl64.Vec3{
			s.randomSpawn(),
			s.spawnHeight,
			s.randomSpawn(),
		},
		Form:         protocol.DefaultForm,
		World:        protocol.DefaultWorld,
		LastUpdateAt: s.clock.Now(),
	}
	s.entities[id] = e
	return e.clone(), nil
}

func (s *EntityStore) randomSpawn() float64 {
	return s.rng.Float64()*2*s.spawnRange - s.spawnRange
}

func (s *EntityStore) Get(id string) (Entity, bool) {
	e, ok := s.entities[id]
	if !ok {
		return Entity{}, false
	}
	return e.clone(), true
}

// Merge 浅合并部分字段并刷新时间戳；id 不存在时不做任何事
// 调用方负责事先校验 patch
func (s *EntityStore) Merge(id string, p protocol.Patch) (Entity, bool) {
	e, ok := s.entities[id]
	if !ok {
		return Entity{}, false
	}
	e.apply(p)
	e.touch(s.clock.Now())
	return e.clone(), true
}

// SetName 设置显示名，只在第一次 join 时生效；空名使用占位名
func (s *EntityStore) SetName(id, name string) (Entity, bool) {
	e, ok := s.entities[id]
	if !ok {
		return Entity{}, false
	}
	if !e.named {
		e.Name = sanitizeName(name, s.defaultName)
		e.named = true
	}
	e.touch(s.clock.Now())
	return e.clone(), true
}

// Cycle 按方向循环切换形态或区域
func (s *EntityStore) Cycle(id string, target protocol.CycleTarget, dir int) (Entity, bool) {
	e, ok := s.entities[id]
	if !ok {
		return Entity{}, false
	}
	switch target {
	case protocol.CycleForm:
		e.Form = e.Form.Cycle(dir)
	case protocol.CycleWorld:
		e.World = e.World.Cycle(dir)
	}
	e.touch(s.clock.Now())
	return e.clone(), true
}

func (s *EntityStore) Remove(id string) bool {
	if _, ok := s.entities[id]; !ok {
		return false
	}
	delete(s.entities, id)
	return true
}

func (s *EntityStore) Len() int { return len(s.entities) }

// Snapshot 返回按 id 排序的全量副本（不是活视图）
func (s *EntityStore) Snapshot() []Entity {
	out := make([]Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reap 删除 LastUpdateAt 早于 now-timeout 的实体，返回被删除的 id
func (s *EntityStore) Reap(now time.Time, timeout time.Duration) []string {
	cutoff := now.Add(-timeout)
	var reaped []string
	for id, e := range s.entities {
		if e.LastUpdateAt.Before(cutoff) {
			delete(s.entities, id)
			reaped = append(reaped, id)
		}
	}
	sort.Strings(reaped)
	return reaped
}

func (e *Entity) clone() Entity {
	c := *e
	if e.Input != nil {
		in := *e.Input
		c.Input = &in
	}
	return c
}

func sanitizeName(name, fallback string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return fallback
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		name = string([]rune(name)[:MaxNameLength])
	}
	return name
}
