package main

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kurotori4423/vrc-log-relay/internal/wire"
)

// queryStatus dials the relay's websocket endpoint, completes the hello
// handshake, and requests get_status, returning once a status frame
// arrives or timeout elapses.
func queryStatus(host string, port int, timeout time.Duration) (wire.StatusPayload, error) {
	addr := "ws://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/"

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.Dial(addr, nil)
	if err != nil {
		return wire.StatusPayload{}, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(timeout))

	hello, err := wire.Encode(wire.TypeHello, wire.HelloPayload{ClientName: "relayd-cli", Version: "1"})
	if err != nil {
		return wire.StatusPayload{}, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		return wire.StatusPayload{}, err
	}
	if _, _, err := conn.ReadMessage(); err != nil {
		return wire.StatusPayload{}, fmt.Errorf("awaiting welcome: %w", err)
	}

	getStatus, err := wire.Encode(wire.TypeGetStatus, nil)
	if err != nil {
		return wire.StatusPayload{}, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, getStatus); err != nil {
		return wire.StatusPayload{}, err
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return wire.StatusPayload{}, fmt.Errorf("awaiting status: %w", err)
		}
		var status wire.StatusPayload
		frame, err := wire.Decode(data, &status)
		if err != nil {
			continue
		}
		if frame.Type == wire.TypeStatus {
			return status, nil
		}
	}
}
