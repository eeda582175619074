package server

import (
	"sort"

	"golang.org/x/time/rate"

	"wesworld/protocol"
)

// Peer 连接的发送端；Enqueue 不得阻塞 Tick
type Peer interface {
	// Enqueue 非阻塞入队，队列满时返回 false
	Enqueue(frame []byte) bool
	Codec() protocol.Codec
	Close()
}

type registration struct {
	peer    Peer
	limiter *rate.Limiter
}

// Registry 连接 id 与 Peer 的映射，归 Room 协程独占
type Registry struct {
	peers map[string]*registration
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*registration)}
}

func (g *Registry) Add(id string, p Peer, limiter *rate.Limiter) bool {
	if _, ok := g.peers[id]; ok {
		return false
	}
	g.peers[id] = &registration{peer: p, limiter: limiter}
	return true
}

// Remove 移除并返回 Peer，由调用方决定是否关闭
func (g *Registry) Remove(id string) (Peer, bool) {
	reg, ok := g.peers[id]
	if !ok {
		return nil, false
	}
	delete(g.peers, id)
	return reg.peer, true
}

func (g *Registry) Get(id string) (Peer, bool) {
	reg, ok := g.peers[id]
	if !ok {
		return nil, false
	}
	return reg.peer, true
}

func (g *Registry) limiter(id string) *rate.Limiter {
	if reg, ok := g.peers[id]; ok {
		return reg.limiter
	}
	return nil
}

func (g *Registry) Len() int { return len(g.peers) }

// IDs 按字典序返回所有连接 id
func (g *Registry) IDs() []string {
	ids := make([]string, 0, len(g.peers))
	for id := range g.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetRate 热更新所有连接的限流参数
func (g *Registry) SetRate(limit rate.Limit, burst int) {
	for _, reg := range g.peers {
		if reg.limiter != nil {
			reg.limiter.SetLimit(limit)
			reg.limiter.SetBurst(burst)
		}
	}
}
