package protocol

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"
)

// Schema 生成线上协议的 JSON Schema（客户端消息与服务端消息二选一）
func Schema() (*jsonschema.Schema, error) {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
	}

	clientSchema := reflector.ReflectFromType(reflect.TypeOf(ClientMessage{}))
	serverSchema := reflector.ReflectFromType(reflect.TypeOf(ServerMessage{}))
	if clientSchema == nil || serverSchema == nil {
		return nil, fmt.Errorf("reflect protocol schema")
	}
	clientSchema.Version = ""
	clientSchema.Title = "Client message"
	clientSchema.Description = "Sent by a client for its own entity: join, move or cycle."
	serverSchema.Version = ""
	serverSchema.Title = "Server message"
	serverSchema.Description = "patchSelf is sent to the caller only; worldState is broadcast every tick."

	return &jsonschema.Schema{
		Version:     jsonschema.Version,
		Title:       "WesWorld sync protocol",
		Description: "Messages exchanged over the /ws event channel.",
		OneOf:       []*jsonschema.Schema{clientSchema, serverSchema},
	}, nil
}

// SchemaJSON 以缩进 JSON 输出 Schema
func SchemaJSON() ([]byte, error) {
	schema, err := Schema()
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return append(data, '\n'), nil
}
