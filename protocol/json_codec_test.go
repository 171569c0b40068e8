package protocol

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
)

// mockReadWriteCloser is a simple wrapper around bytes.Buffer for testing
type mockReadWriteCloser struct {
	*bytes.Buffer
}

func (m *mockReadWriteCloser) Close() error {
	return nil
}

func newMockReadWriteCloser() *mockReadWriteCloser {
	return &mockReadWriteCloser{Buffer: &bytes.Buffer{}}
}

func TestJSONCodec_WriteReadRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{
			name:    "create_scene request",
			payload: `{"action":"create_scene","name":"Level1","parent_path":"res://"}`,
		},
		{
			name:    "add_node request with vectors",
			payload: `{"action":"add_node","node_type":"Sprite2D","parent_path":"/root","name":"Hero","position":[100,200]}`,
		},
		{
			name:    "success envelope",
			payload: `{"status":"success","action":"save_scene","request_id":"req_1a2b3c4d","timestamp":1756200000.5}`,
		},
		{
			name:    "error envelope with hints",
			payload: `{"status":"error","type":"runtime_error_correction","category":"null_reference","message":"Attempt to call function on a null instance","correction_hints":["check the node path"],"retry_count":1,"max_retries":5}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := newMockReadWriteCloser()

			codec := NewJSONCodec(buf)
			if err := codec.WriteMessage([]byte(tt.payload)); err != nil {
				t.Fatalf("WriteMessage failed: %v", err)
			}

			got, err := codec.ReadMessage()
			if err != nil {
				t.Fatalf("ReadMessage failed: %v", err)
			}

			var want, have map[string]interface{}
			if err := json.Unmarshal([]byte(tt.payload), &want); err != nil {
				t.Fatalf("bad test payload: %v", err)
			}
			if err := json.Unmarshal(got, &have); err != nil {
				t.Fatalf("round-tripped payload is not JSON: %v", err)
			}
			if len(have) != len(want) {
				t.Errorf("key count mismatch: got %d, want %d", len(have), len(want))
			}
			for k := range want {
				if _, ok := have[k]; !ok {
					t.Errorf("missing key %q after round trip", k)
				}
			}
		})
	}
}

func TestJSONCodec_MultipleMessages(t *testing.T) {
	buf := newMockReadWriteCloser()
	codec := NewJSONCodec(buf)

	payloads := []string{
		`{"action":"get_status"}`,
		`{"status":"success","action":"get_status"}`,
		`{"action":"get_protocol"}`,
		`{"status":"success","action":"get_protocol"}`,
	}

	for _, p := range payloads {
		if err := codec.WriteMessage([]byte(p)); err != nil {
			t.Fatalf("Failed to write message: %v", err)
		}
	}

	for i, want := range payloads {
		got, err := codec.ReadMessage()
		if err != nil {
			t.Fatalf("Failed to read message %d: %v", i, err)
		}
		if string(got) != want {
			t.Errorf("Message %d mismatch: got %q, want %q", i, got, want)
		}
	}
}

func TestJSONCodec_SkipsEmptyLines(t *testing.T) {
	buf := &mockReadWriteCloser{Buffer: bytes.NewBufferString("\n\n{\"action\":\"get_status\"}\n")}
	codec := NewJSONCodec(buf)

	got, err := codec.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if string(got) != `{"action":"get_status"}` {
		t.Errorf("unexpected payload: %q", got)
	}
}

func TestJSONCodec_RejectsOversizedWrite(t *testing.T) {
	buf := newMockReadWriteCloser()
	codec := NewJSONCodec(buf)

	big := `{"code":"` + strings.Repeat("x", MaxMessageBytes) + `"}`
	if err := codec.WriteMessage([]byte(big)); err == nil {
		t.Fatal("Expected error for oversized message, got nil")
	}
	if buf.Len() != 0 {
		t.Errorf("oversized message was partially written: %d bytes", buf.Len())
	}
}

func TestJSONCodec_RejectsOversizedRead(t *testing.T) {
	line := `{"code":"` + strings.Repeat("x", MaxMessageBytes) + `"}` + "\n"
	buf := &mockReadWriteCloser{Buffer: bytes.NewBufferString(line)}
	codec := NewJSONCodec(buf)

	if _, err := codec.ReadMessage(); err == nil {
		t.Fatal("Expected error for oversized message, got nil")
	}
}

func TestJSONCodec_ReadEOF(t *testing.T) {
	buf := newMockReadWriteCloser()
	codec := NewJSONCodec(buf)

	if _, err := codec.ReadMessage(); err != io.EOF {
		t.Fatalf("Expected EOF error, got: %v", err)
	}
}

func TestJSONCodec_Close(t *testing.T) {
	buf := newMockReadWriteCloser()
	codec := NewJSONCodec(buf)

	if err := codec.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestMessagePackCodec_RoundTrip(t *testing.T) {
	buf := newMockReadWriteCloser()
	codec := NewMessagePackCodec(buf)

	payload := `{"action":"set_property","node_path":"/root/Hero","property_name":"speed","value":300}`
	if err := codec.WriteMessage([]byte(payload)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	got, err := codec.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}

	var have map[string]interface{}
	if err := json.Unmarshal(got, &have); err != nil {
		t.Fatalf("round-tripped payload is not JSON: %v", err)
	}
	if have["action"] != "set_property" {
		t.Errorf("action mismatch: got %v", have["action"])
	}
	if have["node_path"] != "/root/Hero" {
		t.Errorf("node_path mismatch: got %v", have["node_path"])
	}
	if v, ok := have["value"].(float64); !ok || v != 300 {
		t.Errorf("value mismatch: got %v", have["value"])
	}
}
