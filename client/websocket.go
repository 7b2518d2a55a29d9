// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	wsserver "github.com/absmach/minimq/server/websocket"
	"github.com/gorilla/websocket"
)

// WebSocketDialer returns a Dialer that treats the address as a ws:// or
// wss:// URL and carries frames in binary messages.
func WebSocketDialer(tlsCfg *tls.Config) Dialer {
	return func(ctx context.Context, url string) (net.Conn, error) {
		d := websocket.Dialer{
			Proxy:           websocket.DefaultDialer.Proxy,
			TLSClientConfig: tlsCfg,
		}
		ws, _, err := d.DialContext(ctx, url, nil)
		if err != nil {
			return nil, fmt.Errorf("websocket dial %s: %w", url, err)
		}
		return wsserver.NewConn(ws, ""), nil
	}
}
