package protocol

import "fmt"

// MessageType 消息类型（事件名）
type MessageType string

const (
	// 客户端 → 服务端
	MsgJoin  MessageType = "join"
	MsgMove  MessageType = "move"
	MsgCycle MessageType = "cycle"

	// 服务端 → 客户端
	MsgPatchSelf  MessageType = "patchSelf"
	MsgWorldState MessageType = "worldState"
)

// CycleTarget 循环切换的目标字段
type CycleTarget string

const (
	CycleForm  CycleTarget = "form"
	CycleWorld CycleTarget = "world"
)

// ClientMessage 入站消息（扁平结构，按 Type 解释其余字段）
// 示例：{"type":"join","name":"Wes"}
//
//	{"type":"move","position":{"x":1,"y":1.11,"z":0},"yaw":0.5}
//	{"type":"cycle","target":"world","dir":-1}
type ClientMessage struct {
	Type MessageType `json:"type" msgpack:"type" jsonschema:"enum=join,enum=move,enum=cycle"`
	Name *string     `json:"name,omitempty" msgpack:"name,omitempty"`

	Patch `msgpack:",inline"`

	Target CycleTarget `json:"target,omitempty" msgpack:"target,omitempty" jsonschema:"enum=form,enum=world"`
	Dir    int         `json:"dir,omitempty" msgpack:"dir,omitempty"`
}

// Validate 按消息类型校验载荷
func (m ClientMessage) Validate() error {
	switch m.Type {
	case MsgJoin:
		return nil
	case MsgMove:
		return m.Patch.Validate()
	case MsgCycle:
		if m.Target != CycleForm && m.Target != CycleWorld {
			return fmt.Errorf("%w: target %q", ErrInvalidCycle, m.Target)
		}
		if m.Dir != 1 && m.Dir != -1 {
			return fmt.Errorf("%w: dir %d", ErrInvalidCycle, m.Dir)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, m.Type)
	}
}

// Join 构造 join 消息
func Join(name string) ClientMessage {
	return ClientMessage{Type: MsgJoin, Name: &name}
}

// Move 构造 move 消息
func Move(p Patch) ClientMessage {
	return ClientMessage{Type: MsgMove, Patch: p}
}

// Cycle 构造 cycle 消息
func Cycle(target CycleTarget, dir int) ClientMessage {
	return ClientMessage{Type: MsgCycle, Target: target, Dir: dir}
}

// ServerMessage 出站消息：patchSelf 仅发给调用方，worldState 每 Tick 广播给所有人
type ServerMessage struct {
	Type       MessageType `json:"type" msgpack:"type" jsonschema:"enum=patchSelf,enum=worldState"`
	Entity     *Entity     `json:"entity,omitempty" msgpack:"entity,omitempty"`
	Tick       uint64      `json:"tick,omitempty" msgpack:"tick,omitempty"`
	ServerTime int64       `json:"serverTime,omitempty" msgpack:"serverTime,omitempty"`
	Entities   []Entity    `json:"entities,omitempty" msgpack:"entities,omitempty"`
}

// PatchSelf 构造 patchSelf 消息
func PatchSelf(e Entity) ServerMessage {
	return ServerMessage{Type: MsgPatchSelf, Entity: &e}
}

// WorldState 构造全量快照消息；空世界时 entities 字段省略，接收方按空列表处理
func WorldState(tick uint64, serverTime int64, entities []Entity) ServerMessage {
	return ServerMessage{Type: MsgWorldState, Tick: tick, ServerTime: serverTime, Entities: entities}
}
