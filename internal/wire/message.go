// Package wire implements the framed message protocol spoken between a
// notifier broker and its endpoints: a 3-byte header (message type tag
// plus big-endian body length) followed by a JSON body, and the
// Conn type that reads and writes whole frames over a TCP socket.
package wire

import (
	"encoding/json"
	"fmt"
)

// MessageType is the tag carried in byte 0 of every frame header.
type MessageType uint8

const (
	IntroduceMyself MessageType = iota
	Goodbye
	Subscribe
	Unsubscribe
	Publish
)

func (k MessageType) String() string {
	switch k {
	case IntroduceMyself:
		return "introduce_myself"
	case Goodbye:
		return "goodbye"
	case Subscribe:
		return "subscribe"
	case Unsubscribe:
		return "unsubscribe"
	case Publish:
		return "publish"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

const headerLen = 3

// maxBodyLen is the largest body length representable in the 2-byte
// big-endian length field.
const maxBodyLen = 0xFFFF

// Fields carries the fields of one message, sparsely populated
// according to its MessageType: Name for introduce_myself/goodbye,
// Topic for subscribe/unsubscribe/publish, and Obj for publish only.
//
// Obj may be a json.RawMessage (or []byte) to be embedded verbatim —
// this is how an intermediary forwards an already-serialized payload
// without re-encoding it — or any other JSON-marshalable value.
type Fields struct {
	Name  string
	Topic string
	Obj   any
}

type introduceOrGoodbyeBody struct {
	Name string `json:"name"`
}

type subscribeBody struct {
	Topic string `json:"topic"`
}

type publishBody struct {
	Topic string          `json:"topic"`
	Obj   json.RawMessage `json:"obj"`
}

// Pack assembles a complete frame (header + JSON body) for the given
// message type and fields.
func Pack(kind MessageType, f Fields) ([]byte, error) {
	var body []byte
	var err error

	switch kind {
	case IntroduceMyself, Goodbye:
		body, err = json.Marshal(introduceOrGoodbyeBody{Name: f.Name})
	case Subscribe, Unsubscribe:
		body, err = json.Marshal(subscribeBody{Topic: f.Topic})
	case Publish:
		raw, rerr := toRawMessage(f.Obj)
		if rerr != nil {
			return nil, rerr
		}
		body, err = json.Marshal(publishBody{Topic: f.Topic, Obj: raw})
	default:
		return nil, fmt.Errorf("wire: unknown message type %v", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("wire: encode body: %w", err)
	}

	if len(body) > maxBodyLen {
		return nil, fmt.Errorf("wire: body of %d bytes exceeds the %d byte limit", len(body), maxBodyLen)
	}

	frame := make([]byte, headerLen+len(body))
	putHeader(frame[:headerLen], kind, len(body))
	copy(frame[headerLen:], body)
	return frame, nil
}

// toRawMessage embeds already-encoded bytes verbatim, or marshals any
// other value to obtain the raw JSON to embed.
func toRawMessage(obj any) (json.RawMessage, error) {
	switch v := obj.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("wire: encode obj: %w", err)
		}
		return raw, nil
	}
}

func putHeader(dst []byte, kind MessageType, bodyLen int) {
	dst[0] = byte(kind)
	dst[1] = byte(bodyLen >> 8)
	dst[2] = byte(bodyLen & 0xFF)
}

// UnpackHeader decodes the 3-byte header into a message type and the
// body length that follows it on the wire.
func UnpackHeader(hdr [headerLen]byte) (MessageType, int) {
	kind := MessageType(hdr[0])
	bodyLen := int(hdr[1])<<8 | int(hdr[2])
	return kind, bodyLen
}

// UnpackBody decodes a message body according to its type. For
// publish messages Obj is left as a json.RawMessage so a caller that
// only wants to forward it doesn't pay to decode and re-encode it.
func UnpackBody(kind MessageType, body []byte) (Fields, error) {
	switch kind {
	case IntroduceMyself, Goodbye:
		var b introduceOrGoodbyeBody
		if err := json.Unmarshal(body, &b); err != nil {
			return Fields{}, fmt.Errorf("wire: decode %v body: %w", kind, err)
		}
		return Fields{Name: b.Name}, nil
	case Subscribe, Unsubscribe:
		var b subscribeBody
		if err := json.Unmarshal(body, &b); err != nil {
			return Fields{}, fmt.Errorf("wire: decode %v body: %w", kind, err)
		}
		return Fields{Topic: b.Topic}, nil
	case Publish:
		var b publishBody
		if err := json.Unmarshal(body, &b); err != nil {
			return Fields{}, fmt.Errorf("wire: decode publish body: %w", err)
		}
		return Fields{Topic: b.Topic, Obj: b.Obj}, nil
	default:
		return Fields{}, fmt.Errorf("wire: unknown message type %v", kind)
	}
}
