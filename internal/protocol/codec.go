package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// MaxFrameBytes is the upper bound for a single encoded envelope. Frames over
// the limit are rejected on both the encode and decode side; inbound
// enforcement is backed by the WebSocket read limit as well.
const MaxFrameBytes = 16 << 20 // 16 MiB

// Codec errors.
var (
	ErrFrameTooLarge  = errors.New("frame exceeds size limit")
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownType    = errors.New("unknown envelope type")
)

// Encode serializes an envelope into one JSON frame.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	if len(data) > MaxFrameBytes {
		return nil, fmt.Errorf("encode %s: %d bytes: %w", m.Kind(), len(data), ErrFrameTooLarge)
	}
	return data, nil
}

// Decode parses one JSON frame into its concrete envelope. Unknown "type"
// values yield ErrUnknownType so that readers can log and skip them.
func Decode(data []byte) (Message, error) {
	if len(data) > MaxFrameBytes {
		return nil, fmt.Errorf("%d bytes: %w", len(data), ErrFrameTooLarge)
	}

	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var (
		msg Message
		err error
	)

	switch head.Type {
	case TypeRegister:
		msg, err = decodeInto[Register](data)
	case TypeRegistered:
		msg, err = decodeInto[Registered](data)
	case TypeRequest:
		msg, err = decodeInto[Request](data)
	case TypeResponse:
		msg, err = decodeInto[Response](data)
	case TypeError:
		msg, err = decodeInto[Error](data)
	case TypePing:
		msg, err = decodeInto[Ping](data)
	case TypePong:
		msg, err = decodeInto[Pong](data)
	case "":
		return nil, fmt.Errorf("%w: missing type field", ErrMalformedFrame)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}

	if err != nil {
		return nil, err
	}
	return msg, nil
}

func decodeInto[T any](data []byte) (*T, error) {
	var msg T
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return &msg, nil
}

// EncodeBody converts raw bytes to the base64 body transport form.
// An empty body encodes to the empty string.
func EncodeBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(body)
}

// DecodeBody reverses EncodeBody.
func DecodeBody(b64 string) ([]byte, error) {
	if b64 == "" {
		return nil, nil
	}
	body, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	return body, nil
}
