package engine

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"

	"github.com/vk/graphforge/internal/ctxlog"
	"github.com/vk/graphforge/internal/transport"
)

// streamMessageTypes are forwarded from socket.io events to the translator.
var streamMessageTypes = []string{
	"status",
	"execution_start",
	"execution_cached",
	"executing",
	"progress",
	"executed",
	"execution_success",
	"execution_error",
	"execution_interrupted",
}

// subscribeEvent asks a gateway to forward a job's messages to this socket.
const subscribeEvent = "subscribe"

// subscribeSocketIO connects through a socket.io gateway that relays engine
// messages as events named after the message type.
func (c *Client) subscribeSocketIO(ctx context.Context, token Token, tr *translator) (*stream, error) {
	logger := ctxlog.FromContext(ctx).With("transport", TransportSocketIO, "token", token)

	opts := socket.DefaultOptions()
	opts.SetPath(c.opts.SocketIOPath)
	if c.opts.InsecureSkipVerify {
		logger.Warn("Skipping TLS certificate verification")
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))
	// Handlers must be in place before the socket connects; reconnecting is
	// left to the supervisor.
	opts.SetAutoConnect(false)
	opts.SetReconnection(false)

	baseURL := fmt.Sprintf("%s://%s", c.base.Scheme, c.base.Host)
	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket(c.opts.Namespace, opts)

	s := newStream(tr, func() { io.Disconnect() })
	for _, kind := range streamMessageTypes {
		kind := kind
		io.On(types.EventName(kind), func(args ...any) {
			var data json.RawMessage
			if len(args) > 0 {
				raw, err := json.Marshal(args[0])
				if err != nil {
					logger.Debug("Ignoring undecodable stream event.", "event", kind, "error", err)
					return
				}
				data = raw
			}
			s.push(message{Type: kind, Data: data})
		})
	}

	connectChan := make(chan error, 1)
	settle := func(err error) {
		select {
		case connectChan <- err:
		default:
		}
	}
	io.Once(types.EventName("connect"), func(...any) {
		logger.Debug("Progress stream connected.", "sid", io.Id())
		settle(nil)
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		err := errors.New("connect_error")
		if len(errs) > 0 {
			if e, ok := errs[0].(error); ok {
				err = e
			}
		}
		settle(err)
	})
	io.On(types.EventName("disconnect"), func(reasons ...any) {
		reason := "unknown"
		if len(reasons) > 0 {
			reason = fmt.Sprint(reasons[0])
		}
		err := fmt.Errorf("progress stream dropped: %s", reason)
		settle(err)
		s.drop(transport.Transient(err))
	})

	io.Connect()

	select {
	case err := <-connectChan:
		if err != nil {
			s.Close()
			return nil, transport.Transient(fmt.Errorf("socket.io connection failed: %w", err))
		}
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	case <-time.After(c.opts.ConnectTimeout):
		s.Close()
		return nil, transport.Transient(fmt.Errorf("timed out after %v waiting for socket.io connection", c.opts.ConnectTimeout))
	}

	io.Emit(subscribeEvent, map[string]any{"prompt_id": string(token), "client_id": c.clientID})
	return s, nil
}
