package bus

import (
	"encoding/json"
	"fmt"
)

// Encode converts v into a generic payload map by way of its JSON form.
func Encode(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("bus: encode: %w", err)
	}

	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("bus: encode: %w", err)
	}
	return out, nil
}

// Decode fills v from a generic payload map.
func Decode(data map[string]any, v any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("bus: decode: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("bus: decode: %w", err)
	}
	return nil
}

func marshal(msg Message) ([]byte, error) {
	if msg.Data == nil {
		msg.Data = map[string]any{}
	}
	if msg.Context == nil {
		msg.Context = map[string]any{}
	}
	return json.Marshal(msg)
}

func unmarshal(b []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(b, &msg); err != nil {
		return Message{}, fmt.Errorf("bus: decode frame: %w", err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("bus: decode frame: missing type")
	}
	if msg.Data == nil {
		msg.Data = map[string]any{}
	}
	if msg.Context == nil {
		msg.Context = map[string]any{}
	}
	return msg, nil
}
