package engine

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/vk/graphforge/internal/ctxlog"
	"github.com/vk/graphforge/internal/transport"
)

// websocketURL maps the engine's http(s) address to its ws(s) stream
// endpoint for this client.
func (c *Client) websocketURL() string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = c.base.Path + "/ws"
	u.RawQuery = url.Values{"clientId": {c.clientID}}.Encode()
	return u.String()
}

func (c *Client) subscribeWebSocket(ctx context.Context, tr *translator) (*stream, error) {
	logger := ctxlog.FromContext(ctx).With("transport", TransportWebSocket, "token", tr.token)

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = c.opts.ConnectTimeout
	if c.opts.InsecureSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()
	conn, _, err := dialer.DialContext(dialCtx, c.websocketURL(), nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, transport.Transient(fmt.Errorf("failed to open progress stream: %w", err))
	}
	logger.Debug("Progress stream connected.")

	s := newStream(tr, func() { _ = conn.Close() })
	go func() {
		for {
			kind, raw, err := conn.ReadMessage()
			if err != nil {
				s.drop(transport.Transient(fmt.Errorf("progress stream dropped: %w", err)))
				return
			}
			// Binary frames carry preview images.
			if kind != websocket.TextMessage {
				continue
			}
			var m message
			if err := json.Unmarshal(raw, &m); err != nil {
				logger.Debug("Ignoring undecodable stream message.", "error", err)
				continue
			}
			if !s.push(m) {
				return
			}
		}
	}()
	return s, nil
}
