package inprocess

import (
	"io"
	"sync"
)

const pipeDepth = 16

// Pipe returns two connected codecs. Messages written on one side are read
// on the other. Closing either side unblocks both.
func Pipe() (client, server *PipeCodec) {
	aToB := make(chan []byte, pipeDepth)
	bToA := make(chan []byte, pipeDepth)
	closed := make(chan struct{})
	var once sync.Once

	client = &PipeCodec{in: bToA, out: aToB, closed: closed, once: &once}
	server = &PipeCodec{in: aToB, out: bToA, closed: closed, once: &once}
	return client, server
}

// PipeCodec is one end of an in-process codec pair. It carries JSON bytes
// directly with no serialization step.
type PipeCodec struct {
	in     <-chan []byte
	out    chan<- []byte
	closed chan struct{}
	once   *sync.Once
}

// ReadMessage returns the next message from the peer. It returns io.EOF
// after either side closes and the buffer drains.
func (p *PipeCodec) ReadMessage() ([]byte, error) {
	select {
	case payload := <-p.in:
		return payload, nil
	default:
	}
	select {
	case payload := <-p.in:
		return payload, nil
	case <-p.closed:
		// Drain anything that raced with the close.
		select {
		case payload := <-p.in:
			return payload, nil
		default:
			return nil, io.EOF
		}
	}
}

// WriteMessage delivers one message to the peer. The payload is copied so
// the caller may reuse its buffer.
func (p *PipeCodec) WriteMessage(payload []byte) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	select {
	case <-p.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case p.out <- cp:
		return nil
	case <-p.closed:
		return io.ErrClosedPipe
	}
}

// Close closes the pair. Both ends observe io.EOF on reads and
// io.ErrClosedPipe on writes.
func (p *PipeCodec) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
