package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// TestEncodeDecodeRoundTrip verifies that encoding and decoding are inverse
// operations for every envelope type.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		msg  Message
	}{
		{
			name: "register",
			msg:  NewRegister(),
		},
		{
			name: "registered",
			msg:  NewRegistered("c1f2", 5000),
		},
		{
			name: "request with body and headers",
			msg: &Request{
				Type:      TypeRequest,
				RequestID: "11111111-2222-3333-4444-555555555555",
				Method:    "POST",
				Path:      "/echo?x=1",
				Headers:   Headers{{"Host", "example.test"}, {"Accept", "*/*"}},
				BodyB64:   EncodeBody([]byte(`{"a":1}`)),
			},
		},
		{
			name: "response with empty body",
			msg: &Response{
				Type:      TypeResponse,
				RequestID: "11111111-2222-3333-4444-555555555555",
				Status:    204,
				Headers:   Headers{},
				BodyB64:   "",
			},
		},
		{
			name: "error without request id",
			msg:  NewError("", CodeNoPort, "no public port available"),
		},
		{
			name: "error scoped to a request",
			msg:  NewError("req-9", CodeProtocolError, "bad base64 body"),
		},
		{
			name: "ping",
			msg:  NewPing(),
		},
		{
			name: "pong",
			msg:  NewPong(),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Encode(tc.msg)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}

			decoded, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}

			if decoded.Kind() != tc.msg.Kind() {
				t.Fatalf("Kind mismatch: got %s, want %s", decoded.Kind(), tc.msg.Kind())
			}

			// Re-encode and compare frames: the codec must be lossless.
			again, err := Encode(decoded)
			if err != nil {
				t.Fatalf("re-Encode failed: %v", err)
			}
			if !bytes.Equal(data, again) {
				t.Errorf("frame not stable across round trip:\n first: %s\nsecond: %s", data, again)
			}
		})
	}
}

// TestRequestWireFormat pins the exact field names and the header pair shape
// on the wire.
func TestRequestWireFormat(t *testing.T) {
	msg := &Request{
		Type:      TypeRequest,
		RequestID: "abc",
		Method:    "GET",
		Path:      "/x?q=1",
		Headers:   Headers{{"Set-Cookie", "a=1"}, {"Set-Cookie", "b=2"}},
		BodyB64:   "",
	}

	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("frame is not a JSON object: %v", err)
	}

	for _, field := range []string{"type", "request_id", "method", "path", "headers", "body_b64"} {
		if _, ok := raw[field]; !ok {
			t.Errorf("missing wire field %q in %s", field, data)
		}
	}

	headers, ok := raw["headers"].([]any)
	if !ok || len(headers) != 2 {
		t.Fatalf("headers did not encode as a pair list: %s", data)
	}
	first, ok := headers[0].([]any)
	if !ok || len(first) != 2 || first[0] != "Set-Cookie" || first[1] != "a=1" {
		t.Errorf("first header pair = %v, want [Set-Cookie a=1]", headers[0])
	}
	second := headers[1].([]any)
	if second[1] != "b=2" {
		t.Errorf("duplicate header order lost: second pair = %v", headers[1])
	}
}

// TestDecodeMalformed rejects frames that are not valid envelopes.
func TestDecodeMalformed(t *testing.T) {
	testCases := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"not json", "hello"},
		{"array", "[1,2,3]"},
		{"missing type", `{"request_id":"x"}`},
		{"blank type", `{"type":""}`},
		{"wrong field type", `{"type":"registered","public_port":"not-a-number"}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.data))
			if err == nil {
				t.Fatal("expected error for malformed frame, got nil")
			}
			if !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("error = %v, want ErrMalformedFrame", err)
			}
		})
	}
}

// TestDecodeUnknownType yields ErrUnknownType so read loops can skip the
// frame for forward compatibility.
func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"shiny_new_thing","x":1}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("error = %v, want ErrUnknownType", err)
	}
}

// TestFrameSizeLimit rejects oversized frames in both directions.
func TestFrameSizeLimit(t *testing.T) {
	big := &Response{
		Type:      TypeResponse,
		RequestID: "r",
		Status:    200,
		Headers:   Headers{},
		BodyB64:   strings.Repeat("A", MaxFrameBytes+1),
	}
	if _, err := Encode(big); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Encode error = %v, want ErrFrameTooLarge", err)
	}

	raw := append([]byte(`{"type":"ping","pad":"`), bytes.Repeat([]byte("A"), MaxFrameBytes)...)
	raw = append(raw, []byte(`"}`)...)
	if _, err := Decode(raw); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Decode error = %v, want ErrFrameTooLarge", err)
	}
}

// TestBodyTransport verifies the base64 round trip is an identity, including
// the empty-body convention.
func TestBodyTransport(t *testing.T) {
	testCases := []struct {
		name string
		body []byte
	}{
		{"empty", nil},
		{"text", []byte("hello")},
		{"json", []byte(`{"a":1}`)},
		{"binary", []byte{0x00, 0xFF, 0x80, 0x7F, 0x0A}},
		{"large", bytes.Repeat([]byte{0xAB}, 64*1024)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b64 := EncodeBody(tc.body)
			if len(tc.body) == 0 && b64 != "" {
				t.Fatalf("empty body encoded to %q, want empty string", b64)
			}

			got, err := DecodeBody(b64)
			if err != nil {
				t.Fatalf("DecodeBody failed: %v", err)
			}
			if !bytes.Equal(got, tc.body) {
				t.Errorf("body round trip mismatch: got %d bytes, want %d", len(got), len(tc.body))
			}
		})
	}
}

// TestDecodeBodyInvalid rejects bodies that are not valid base64.
func TestDecodeBodyInvalid(t *testing.T) {
	if _, err := DecodeBody("&&& not base64 &&&"); err == nil {
		t.Fatal("expected error for invalid base64, got nil")
	}
}
