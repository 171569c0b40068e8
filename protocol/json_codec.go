package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// JSONCodec frames messages as newline-delimited JSON: one object per line,
// UTF-8. Lines longer than MaxMessageBytes are rejected at the framing
// layer so oversized payloads never reach the decoder.
type JSONCodec struct {
	rw io.ReadWriteCloser
	br *bufio.Reader
}

// NewJSONCodec creates a JSON codec over the given ReadWriteCloser.
func NewJSONCodec(rw io.ReadWriteCloser) *JSONCodec {
	return &JSONCodec{
		rw: rw,
		br: bufio.NewReaderSize(rw, 64*1024),
	}
}

// ReadMessage reads one newline-terminated JSON message. Empty lines are
// skipped. The returned bytes do not include the trailing newline.
func (c *JSONCodec) ReadMessage() ([]byte, error) {
	for {
		line, err := c.readLine()
		if err != nil {
			return nil, err
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}

func (c *JSONCodec) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := c.br.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > MaxMessageBytes {
			return nil, fmt.Errorf("message exceeds %d bytes", MaxMessageBytes)
		}
		if err == nil {
			return buf, nil
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF && len(buf) > 0 {
			return buf, nil
		}
		return nil, err
	}
}

// WriteMessage writes the JSON payload followed by a newline.
func (c *JSONCodec) WriteMessage(payload []byte) error {
	if len(payload) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d bytes", MaxMessageBytes)
	}
	out := make([]byte, 0, len(payload)+1)
	out = append(out, payload...)
	out = append(out, '\n')
	_, err := c.rw.Write(out)
	return err
}

// Close closes the underlying ReadWriteCloser.
func (c *JSONCodec) Close() error {
	return c.rw.Close()
}
