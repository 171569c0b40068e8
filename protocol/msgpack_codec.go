package protocol

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MessagePackCodec frames messages as a MessagePack stream: one encoded map
// per message. Messages are converted to and from canonical JSON bytes at
// the codec boundary so the rest of the pipeline is format-agnostic.
type MessagePackCodec struct {
	rw      io.ReadWriteCloser
	encoder *msgpack.Encoder
	decoder *msgpack.Decoder
}

// NewMessagePackCodec creates a MessagePack codec over the given
// ReadWriteCloser.
func NewMessagePackCodec(rw io.ReadWriteCloser) *MessagePackCodec {
	return &MessagePackCodec{
		rw:      rw,
		encoder: msgpack.NewEncoder(rw),
		decoder: msgpack.NewDecoder(rw),
	}
}

// ReadMessage decodes the next MessagePack map and returns it as JSON bytes.
func (c *MessagePackCodec) ReadMessage() ([]byte, error) {
	var m map[string]interface{}
	if err := c.decoder.Decode(&m); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("re-encode msgpack message: %w", err)
	}
	if len(payload) > MaxMessageBytes {
		return nil, fmt.Errorf("message exceeds %d bytes", MaxMessageBytes)
	}
	return payload, nil
}

// WriteMessage encodes the JSON payload as a MessagePack map.
func (c *MessagePackCodec) WriteMessage(payload []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(payload, &m); err != nil {
		return fmt.Errorf("decode outbound message: %w", err)
	}
	return c.encoder.Encode(m)
}

// Close closes the underlying ReadWriteCloser.
func (c *MessagePackCodec) Close() error {
	return c.rw.Close()
}
