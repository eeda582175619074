package server

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"wesworld/protocol"
)

// Run 启动房间主循环（单协程推进）：处理连接/断开/输入/查询，并按固定间隔回收空闲实体、广播快照。
// ctx 取消后关闭所有连接并返回。
func (r *Room) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrRoomRunning
	}
	defer close(r.done)

	// 下一次广播时间以上一次实际广播为基准，保证相邻两次不小于 TickInterval
	timer := time.NewTimer(r.cfg.TickInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return ctx.Err()
		case req := <-r.joins:
			r.connect(req)
		case id := <-r.leaves:
			r.disconnect(id)
		case in := <-r.inbox:
			r.handleInput(in)
		case fn := <-r.queries:
			fn(r)
		case <-timer.C:
			at := time.Now()
			r.tick(ctx, at)
			timer.Reset(time.Until(at.Add(r.cfg.TickInterval)))
		}
	}
}

// tick 核心步骤：回收空闲实体 → 广播全量快照
func (r *Room) tick(ctx context.Context, at time.Time) {
	_, span := r.tracer.Start(ctx, "room.tick")
	defer span.End()

	r.tickSeq++
	reaped := r.reap()
	sent := r.broadcast(r.clock.Now())

	elapsed := time.Since(at)
	r.metrics.observeTick(elapsed)
	span.SetAttributes(
		attribute.Int64("tick", int64(r.tickSeq)),
		attribute.Int("entities", r.store.Len()),
		attribute.Int("peers", sent),
		attribute.Int("reaped", reaped),
	)
	if elapsed > r.cfg.TickInterval {
		r.log.Warnw("tick overran interval", "tick", r.tickSeq, "elapsed", elapsed, "interval", r.cfg.TickInterval)
	}
	if r.onTick != nil {
		r.onTick(r.tickSeq, at)
	}
}

// reap 删除超过 IdleTimeout 未更新的实体，即使连接仍然打开；对应连接视为断开
func (r *Room) reap() int {
	ids := r.store.Reap(r.clock.Now(), r.cfg.IdleTimeout)
	for _, id := range ids {
		if p, ok := r.peers.Remove(id); ok {
			p.Close()
		}
		r.metrics.reaped.Inc()
		r.log.Infow("entity removed", "id", id, "reason", "idle", "timeout", r.cfg.IdleTimeout)
	}
	if len(ids) > 0 {
		r.metrics.setPopulation(r.store.Len(), r.peers.Len())
	}
	return len(ids)
}

// nextSnapshotSeq 每份快照（定时或加入/离开时补发）使用独立递增的序号，
// 客户端按序号丢弃过期快照
func (r *Room) nextSnapshotSeq() uint64 {
	r.snapshotSeq++
	return r.snapshotSeq
}

// broadcast 将全量快照发送给所有连接；同一 Tick 内每种编码只序列化一次，
// 单个连接或编码失败不影响其他连接。返回成功入队的连接数。
func (r *Room) broadcast(now time.Time) int {
	entities := r.store.Snapshot()
	wire := make([]protocol.Entity, len(entities))
	for i := range entities {
		wire[i] = entities[i].Wire()
	}
	seq := r.nextSnapshotSeq()
	msg := protocol.WorldState(seq, now.UnixMilli(), wire)

	frames := make(map[string][]byte)
	failed := make(map[string]bool)
	sent := 0
	for _, id := range r.peers.IDs() {
		p, _ := r.peers.Get(id)
		codec := p.Codec()
		name := codec.Name()
		if failed[name] {
			continue
		}
		b, ok := frames[name]
		if !ok {
			var err error
			b, err = codec.Marshal(msg)
			if err != nil {
				failed[name] = true
				r.metrics.encodeErrors.WithLabelValues(name).Inc()
				r.log.Warnw("encode snapshot failed", "codec", name, "seq", seq, "err", err)
				continue
			}
			frames[name] = b
		}
		if !p.Enqueue(b) {
			// 为了实时性，队列满时丢弃本帧（下一帧为全量，自然补齐）
			r.metrics.framesDropped.Inc()
			continue
		}
		r.metrics.broadcastBytes.Add(float64(len(b)))
		sent++
	}
	return sent
}
