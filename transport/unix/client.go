package unix

import (
	"context"
	"fmt"
	"net"

	"github.com/godotai/bridge/protocol"
)

// Dial connects to a unix-socket bridge server and returns a framed codec
// over the connection. The caller owns the codec and must close it.
func Dial(ctx context.Context, path, codecFormat string) (protocol.Codec, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to unix socket: %w", err)
	}
	codec, err := protocol.NewCodec(codecFormat, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create codec: %w", err)
	}
	return codec, nil
}
