package bus

import (
	"encoding/json"
	"fmt"
)

// Frame is one message received on the subscribe socket: a 4-part
// multipart frame of source, target, message type and a JSON payload.
type Frame struct {
	Source  string
	Target  string
	MsgType string
	Payload []byte
}

func ParseFrame(parts [][]byte) (f Frame, err error) {
	if len(parts) != 4 {
		return f, fmt.Errorf("expected 4 frame parts, got %d", len(parts))
	}

	f.Source = string(parts[0])
	f.Target = string(parts[1])
	f.MsgType = string(parts[2])
	f.Payload = parts[3]
	return
}

// Message is the payload shape used by hub plugins: a content envelope
// naming the command, plus command data that is itself JSON-encoded.
type Message struct {
	Content Content         `json:"content"`
	Data    json.RawMessage `json:"data"`
}

type Content struct {
	Command string `json:"command"`
}

func DecodeMessage(payload []byte) (msg Message, err error) {
	err = json.Unmarshal(payload, &msg)
	return
}

// DecodeData unmarshals the message data into v. Publishers encode the
// data field either inline or as a JSON-encoded string; both forms are
// accepted.
func (m Message) DecodeData(v interface{}) error {
	raw := []byte(m.Data)
	if len(raw) == 0 {
		return fmt.Errorf("message has no data field")
	}

	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return err
		}
		raw = []byte(inner)
	}

	return json.Unmarshal(raw, v)
}
