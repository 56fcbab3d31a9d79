package engine

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/vk/graphforge/internal/ctxlog"
	"github.com/vk/graphforge/internal/preflight"
	"github.com/vk/graphforge/internal/transport"
)

// Stream transports.
const (
	TransportWebSocket = "websocket"
	TransportSocketIO  = "socketio"
)

// Options configures a Client.
type Options struct {
	// Address is the engine's base URL, for example http://127.0.0.1:8188.
	Address string
	// Transport selects how progress is streamed: websocket (default) or
	// socketio.
	Transport string
	// Namespace is the socket.io namespace; SocketIOPath its endpoint path.
	Namespace    string
	SocketIOPath string
	// ConnectTimeout bounds establishing a stream connection.
	ConnectTimeout     time.Duration
	InsecureSkipVerify bool
	HTTPClient         *http.Client
}

// Client is the HTTP implementation of Engine.
type Client struct {
	base     *url.URL
	http     *http.Client
	opts     Options
	clientID string

	mu         sync.Mutex
	nodeCounts map[Token]int
}

var _ Engine = (*Client)(nil)

// NewClient validates opts and returns a client with a fresh client id.
func NewClient(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.Address, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse engine address: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("engine address must be http or https, got %q", opts.Address)
	}
	switch opts.Transport {
	case "":
		opts.Transport = TransportWebSocket
	case TransportWebSocket, TransportSocketIO:
	default:
		return nil, fmt.Errorf("unknown stream transport %q", opts.Transport)
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 15 * time.Second
	}
	if opts.SocketIOPath == "" {
		opts.SocketIOPath = "/socket.io/"
	}
	if opts.Namespace == "" {
		opts.Namespace = "/"
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
		if opts.InsecureSkipVerify {
			hc.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
		}
	}
	return &Client{
		base:       base,
		http:       hc,
		opts:       opts,
		clientID:   uuid.NewString(),
		nodeCounts: make(map[Token]int),
	}, nil
}

// ClientID identifies this client to the engine's stream endpoints.
func (c *Client) ClientID() string { return c.clientID }

// CheckAvailability asks the engine for its system stats.
func (c *Client) CheckAvailability(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/system_stats", nil, nil); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

type submitRequest struct {
	Prompt   json.RawMessage `json:"prompt"`
	ClientID string          `json:"client_id"`
}

type submitResponse struct {
	PromptID   string                     `json:"prompt_id"`
	Number     int                        `json:"number"`
	NodeErrors map[string]json.RawMessage `json:"node_errors"`
}

// Submit queues a workflow document and returns the engine's token for it.
func (c *Client) Submit(ctx context.Context, doc []byte) (Token, error) {
	var nodes map[string]json.RawMessage
	if err := json.Unmarshal(doc, &nodes); err != nil {
		return "", fmt.Errorf("document is not a node map: %w", err)
	}

	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, "/prompt", submitRequest{Prompt: doc, ClientID: c.clientID}, &resp); err != nil {
		return "", err
	}
	if resp.PromptID == "" {
		return "", &RejectedError{Status: http.StatusOK, Message: "engine returned no prompt id", NodeErrors: resp.NodeErrors}
	}

	token := Token(resp.PromptID)
	c.mu.Lock()
	c.nodeCounts[token] = len(nodes)
	c.mu.Unlock()

	ctxlog.FromContext(ctx).Debug("Submitted workflow to engine.", "token", token, "queue_number", resp.Number, "nodes", len(nodes))
	return token, nil
}

// Subscribe opens a progress stream for token over the configured transport.
// A completion the engine recorded before the stream connected is replayed
// from its history.
func (c *Client) Subscribe(ctx context.Context, token Token) (Stream, error) {
	c.mu.Lock()
	total := c.nodeCounts[token]
	c.mu.Unlock()
	tr := newTranslator(token, total)
	tr.onFinish = func() { c.forget(token) }

	var (
		s   *stream
		err error
	)
	switch c.opts.Transport {
	case TransportSocketIO:
		s, err = c.subscribeSocketIO(ctx, token, tr)
	default:
		s, err = c.subscribeWebSocket(ctx, tr)
	}
	if err != nil {
		return nil, err
	}

	msgs, err := c.history(ctx, token)
	if err != nil {
		ctxlog.FromContext(ctx).Debug("History lookup failed, relying on the stream.", "token", token, "error", err)
		return s, nil
	}
	if len(msgs) > 0 {
		go func() {
			for _, m := range msgs {
				if !s.push(m) {
					return
				}
			}
		}()
	}
	return s, nil
}

// forget drops the node count kept for token once the job has ended.
func (c *Client) forget(token Token) {
	c.mu.Lock()
	delete(c.nodeCounts, token)
	c.mu.Unlock()
}

// tracked reports how many submitted jobs still have a node count.
func (c *Client) tracked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nodeCounts)
}

type cancelRequest struct {
	Delete []Token `json:"delete"`
}

type interruptRequest struct {
	PromptID Token `json:"prompt_id"`
}

// Cancel removes token from the queue and interrupts it if it is running.
// Both calls are attempted; their errors are combined.
func (c *Client) Cancel(ctx context.Context, token Token) error {
	c.forget(token)
	err := multierr.Append(
		c.do(ctx, http.MethodPost, "/queue", cancelRequest{Delete: []Token{token}}, nil),
		c.do(ctx, http.MethodPost, "/interrupt", interruptRequest{PromptID: token}, nil),
	)
	if err != nil {
		return fmt.Errorf("failed to cancel %s: %w", token, err)
	}
	return nil
}

type objectInfo struct {
	Input struct {
		Required map[string]json.RawMessage `json:"required"`
		Optional map[string]json.RawMessage `json:"optional"`
	} `json:"input"`
}

// Inventory reads the engine's node catalogue and extracts the resource
// names each loader node accepts.
func (c *Client) Inventory(ctx context.Context) (preflight.Inventory, error) {
	var catalogue map[string]objectInfo
	if err := c.do(ctx, http.MethodGet, "/object_info", nil, &catalogue); err != nil {
		return nil, fmt.Errorf("failed to read engine inventory: %w", err)
	}

	info := make(preflight.ObjectInfo)
	for _, ri := range preflight.ResourceInputs() {
		node, ok := catalogue[ri.ClassType]
		if !ok {
			continue
		}
		spec, ok := node.Input.Required[ri.Input]
		if !ok {
			spec, ok = node.Input.Optional[ri.Input]
		}
		if !ok {
			continue
		}
		if _, seen := info[ri.ClassType]; !seen {
			info[ri.ClassType] = make(map[string][]string)
		}
		info[ri.ClassType][ri.Input] = choices(spec)
	}
	return preflight.FromObjectInfo(info), nil
}

// choices reads the accepted values of a combo input. Engines describe them
// either as [[names...], {...}] or as ["COMBO", {"options": [names...]}].
func choices(spec json.RawMessage) []string {
	var parts []json.RawMessage
	if err := json.Unmarshal(spec, &parts); err != nil || len(parts) == 0 {
		return nil
	}
	var names []string
	if err := json.Unmarshal(parts[0], &names); err == nil {
		return names
	}
	if len(parts) < 2 {
		return nil
	}
	var opts struct {
		Options []string `json:"options"`
	}
	if err := json.Unmarshal(parts[1], &opts); err != nil {
		return nil
	}
	return opts.Options
}

// Fetch downloads an artifact and returns its bytes and content type.
func (c *Client) Fetch(ctx context.Context, a Artifact) ([]byte, string, error) {
	q := url.Values{}
	q.Set("filename", a.Filename)
	q.Set("subfolder", a.Subfolder)
	q.Set("type", a.Type)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/view")+"?"+q.Encode(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch %s: %w", a.Locator(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read %s: %w", a.Locator(), err)
	}
	if err := statusError(resp.StatusCode, resp.Status, body); err != nil {
		return nil, "", fmt.Errorf("failed to fetch %s: %w", a.Locator(), err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	return body, contentType, nil
}

type historyEntry struct {
	Status struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
	Outputs map[string]json.RawMessage `json:"outputs"`
}

// history turns an already finished job's history entry into the messages
// the stream would have delivered. Unknown or unfinished jobs yield none.
func (c *Client) history(ctx context.Context, token Token) ([]message, error) {
	var entries map[string]historyEntry
	if err := c.do(ctx, http.MethodGet, "/history/"+url.PathEscape(string(token)), nil, &entries); err != nil {
		return nil, err
	}
	entry, ok := entries[string(token)]
	if !ok {
		return nil, nil
	}

	var msgs []message
	for _, nodeID := range sortedOutputIDs(entry.Outputs) {
		data, err := json.Marshal(map[string]any{
			"prompt_id": token,
			"node":      nodeID,
			"output":    entry.Outputs[nodeID],
		})
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, message{Type: "executed", Data: data})
	}

	data, _ := json.Marshal(map[string]any{"prompt_id": token})
	switch {
	case entry.Status.StatusStr == "error":
		errData, _ := json.Marshal(map[string]any{
			"prompt_id":         token,
			"exception_message": "job failed before the stream connected",
		})
		return append(msgs, message{Type: "execution_error", Data: errData}), nil
	case entry.Status.Completed || entry.Status.StatusStr == "success":
		return append(msgs, message{Type: "execution_success", Data: data}), nil
	}
	return nil, nil
}

func (c *Client) endpoint(p string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + p
	return u.String()
}

// do sends an optional JSON body and decodes an optional JSON response.
// Connection failures and 502/503/504 responses are marked transient;
// 400 is a structural rejection.
func (c *Client) do(ctx context.Context, method, p string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(p), body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return transport.Transient(fmt.Errorf("%s %s: %w", method, p, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return transport.Transient(fmt.Errorf("%s %s: failed to read response: %w", method, p, err))
	}
	if err := statusError(resp.StatusCode, resp.Status, raw); err != nil {
		return fmt.Errorf("%s %s: %w", method, p, err)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s %s: failed to decode response: %w", method, p, err)
	}
	return nil
}

type errorBody struct {
	Error json.RawMessage `json:"error"`
	// NodeErrors is keyed by node id.
	NodeErrors map[string]json.RawMessage `json:"node_errors"`
}

func statusError(code int, status string, body []byte) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusBadGateway || code == http.StatusServiceUnavailable || code == http.StatusGatewayTimeout:
		return transport.Transient(fmt.Errorf("engine responded %s", status))
	case code == http.StatusBadRequest:
		var eb errorBody
		_ = json.Unmarshal(body, &eb)
		return &RejectedError{Status: code, Message: errorMessage(eb.Error, body), NodeErrors: eb.NodeErrors}
	default:
		return fmt.Errorf("engine responded %s: %s", status, strings.TrimSpace(string(body)))
	}
}

// errorMessage reads an error that is either a string or an object with a
// message field.
func errorMessage(raw json.RawMessage, body []byte) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Details string `json:"details"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		if obj.Details != "" {
			return obj.Message + ": " + obj.Details
		}
		return obj.Message
	}
	return strings.TrimSpace(string(body))
}

func sortedOutputIDs(outputs map[string]json.RawMessage) []string {
	ids := make([]string, 0, len(outputs))
	for id := range outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
