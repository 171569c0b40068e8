package ws

import (
	"context"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/godotai/bridge/protocol"
)

// Dial connects to a WebSocket bridge server and returns a framed codec
// over the connection. addr may be a bare host:port or a ws:// URL.
func Dial(ctx context.Context, addr string) (protocol.Codec, error) {
	url := addr
	if !strings.Contains(url, "://") {
		url = "ws://" + url
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to websocket server: %w", err)
	}
	conn.SetReadLimit(protocol.MaxMessageBytes)
	return NewCodec(conn), nil
}
