// Package rpcclient provides a JSON-RPC 2.0 client for klingmesh layers.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// DefaultTimeout applies when a caller passes no timeout.
const DefaultTimeout = 10 * time.Second

// maxResponseSize caps how much of a response body is read.
const maxResponseSize = 4 << 20

// request is a JSON-RPC 2.0 request.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      uint64 `json:"id"`
}

// response is a JSON-RPC 2.0 response.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      uint64          `json:"id"`
}

// rpcError is a JSON-RPC 2.0 error.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RPCError is returned when the server responds with an error.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Transport sends JSON-RPC requests to arbitrary layer endpoints. It
// satisfies router.Transport.
type Transport struct {
	http *http.Client
	ids  atomic.Uint64
}

// NewTransport creates a transport. Per-call deadlines come from the
// timeout argument of Call, so the HTTP client itself has none.
func NewTransport() *Transport {
	return &Transport{http: &http.Client{}}
}

// Call posts one request to address with credential as a bearer token and
// returns the raw result.
func (t *Transport) Call(ctx context.Context, address, credential, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      t.ids.Add(1),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, address, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if credential != "" {
		httpReq.Header.Set("Authorization", "Bearer "+credential)
	}

	resp, err := t.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var rpcResp response
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("http status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, &RPCError{
			Code:    rpcResp.Error.Code,
			Message: rpcResp.Error.Message,
		}
	}
	return rpcResp.Result, nil
}

// Client is a JSON-RPC 2.0 client bound to one endpoint and credential.
type Client struct {
	endpoint  string
	token     string
	timeout   time.Duration
	transport *Transport
}

// New creates a new RPC client targeting the given endpoint URL.
func New(endpoint, token string) *Client {
	return NewWithTimeout(endpoint, token, DefaultTimeout)
}

// NewWithTimeout creates a new RPC client with a custom per-call timeout.
func NewWithTimeout(endpoint, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		endpoint:  endpoint,
		token:     token,
		timeout:   timeout,
		transport: NewTransport(),
	}
}

// Call invokes a JSON-RPC method and unmarshals the result into the provided pointer.
// If result is nil, the response result is discarded.
func (c *Client) Call(method string, params, result any) error {
	return c.CallContext(context.Background(), method, params, result)
}

// CallContext is Call with a caller-supplied context.
func (c *Client) CallContext(ctx context.Context, method string, params, result any) error {
	raw, err := c.transport.Call(ctx, c.endpoint, c.token, method, params, c.timeout)
	if err != nil {
		return err
	}
	if result != nil && raw != nil {
		if err := json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}
