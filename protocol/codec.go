package protocol

import (
	"fmt"
	"io"
)

// Codec frames raw protocol messages over a byte stream. Implementations
// handle the serialization format (JSON, MessagePack) and message framing
// over the underlying transport.
//
// ReadMessage always yields canonical JSON object bytes regardless of the
// wire format, so the validation pipeline downstream sees one shape.
type Codec interface {
	// ReadMessage reads the next message and returns it as JSON bytes.
	ReadMessage() ([]byte, error)

	// WriteMessage writes one message given as JSON bytes.
	WriteMessage(payload []byte) error

	// Close closes the codec and its underlying resources.
	Close() error
}

// NewCodec creates a codec for the given format over the given transport
// connection. Supported formats: "json", "msgpack".
func NewCodec(format string, rw io.ReadWriteCloser) (Codec, error) {
	switch format {
	case "json", "":
		return NewJSONCodec(rw), nil
	case "msgpack":
		return NewMessagePackCodec(rw), nil
	default:
		return nil, fmt.Errorf("unsupported codec format: %s", format)
	}
}
