package tcp

import (
	"context"
	"fmt"
	"net"

	"github.com/godotai/bridge/protocol"
)

// Dial connects to a TCP bridge server and returns a framed codec over the
// connection. The caller owns the codec and must close it.
func Dial(ctx context.Context, addr, codecFormat string) (protocol.Codec, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to tcp server: %w", err)
	}
	codec, err := protocol.NewCodec(codecFormat, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create codec: %w", err)
	}
	return codec, nil
}
