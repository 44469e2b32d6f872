package mapservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultCallTimeout = 10 * time.Second
	defaultAttempts    = 3
)

type rpcRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     string          `json:"id"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// WSClient is a websocket JSON-RPC client for the conversion service. Calls
// are serialized; the service processes one conversion at a time anyway.
// A broken connection is dropped and redialed on the next attempt.
type WSClient struct {
	url      string
	dialer   *websocket.Dialer
	timeout  time.Duration
	attempts int
	alert    func(subject, body string)

	mu     sync.Mutex
	conn   *websocket.Conn
	nextID int64
}

// WSOption configures a WSClient.
type WSOption func(*WSClient)

// WithCallTimeout sets the per-attempt deadline.
func WithCallTimeout(d time.Duration) WSOption {
	return func(c *WSClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithAttempts sets how many times a call is tried before giving up.
func WithAttempts(n int) WSOption {
	return func(c *WSClient) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// WithAlertFunc installs a callback invoked when a call exhausts all
// attempts, so operators hear about a wedged conversion service.
func WithAlertFunc(fn func(subject, body string)) WSOption {
	return func(c *WSClient) { c.alert = fn }
}

// NewWSClient returns a client for the conversion service at url
// (e.g. ws://localhost:9999/rpc). The connection is dialed lazily.
func NewWSClient(url string, opts ...WSOption) *WSClient {
	c := &WSClient{
		url:      url,
		dialer:   websocket.DefaultDialer,
		timeout:  defaultCallTimeout,
		attempts: defaultAttempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *WSClient) ensureConn() (*websocket.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	conn, _, err := c.dialer.Dial(c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial map service: %w", err)
	}
	c.conn = conn
	return conn, nil
}

func (c *WSClient) dropConn() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// call performs one request with bounded retries. Attempt errors are
// accumulated so the final error names every failure, not just the last.
func (c *WSClient) call(ctx context.Context, method string, params any, result any) error {
	encoded, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var failures []error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			failures = append(failures, err)
			break
		}
		err := c.attemptLocked(ctx, method, encoded, result)
		if err == nil {
			return nil
		}
		c.dropConn()
		// Service-reported errors are retried like transport errors; the
		// converter fails transiently on busy maps.
		failures = append(failures, fmt.Errorf("attempt %d: %w", attempt, err))
	}
	joined := fmt.Errorf("map service %s: %w", method, errors.Join(failures...))
	if c.alert != nil {
		c.alert("map conversion service failure", joined.Error())
	}
	return joined
}

func (c *WSClient) attemptLocked(ctx context.Context, method string, params json.RawMessage, result any) error {
	conn, err := c.ensureConn()
	if err != nil {
		return err
	}
	c.nextID++
	id := strconv.FormatInt(c.nextID, 10)

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := conn.WriteJSON(rpcRequest{ID: id, Method: method, Params: params}); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return err
	}
	for {
		var resp rpcResponse
		if err := conn.ReadJSON(&resp); err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if resp.ID != id {
			// Stale response from an abandoned attempt; skip it.
			continue
		}
		if resp.Error != "" {
			return &RemoteError{Method: method, Message: resp.Error}
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode result: %w", err)
			}
		}
		return nil
	}
}

// RemoteError is a failure reported by the conversion service itself, as
// opposed to a transport failure.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("map service %s: %s", e.Method, e.Message)
}

// DetectFeatures returns the annotations present on the map at mapKey.
func (c *WSClient) DetectFeatures(ctx context.Context, mapKey string) ([]Feature, error) {
	var out struct {
		Features []Feature `json:"features"`
	}
	params := map[string]string{"map_key": mapKey}
	if err := c.call(ctx, "detect_features", params, &out); err != nil {
		return nil, err
	}
	return out.Features, nil
}

// GeneratePreview renders the map at mapKey to a PNG at previewKey.
func (c *WSClient) GeneratePreview(ctx context.Context, mapKey, previewKey string, opts RenderOptions) error {
	params := struct {
		MapKey     string `json:"map_key"`
		PreviewKey string `json:"preview_key"`
		RenderOptions
	}{MapKey: mapKey, PreviewKey: previewKey, RenderOptions: opts}
	return c.call(ctx, "generate_preview", params, nil)
}

// ExportGenBank converts the native map at mapKey to GenBank at genbankKey.
func (c *WSClient) ExportGenBank(ctx context.Context, mapKey, genbankKey string) error {
	params := map[string]string{"map_key": mapKey, "genbank_key": genbankKey}
	return c.call(ctx, "export_genbank", params, nil)
}

// ImportGenBank converts the GenBank file at genbankKey to a native map at mapKey.
func (c *WSClient) ImportGenBank(ctx context.Context, genbankKey, mapKey string) error {
	params := map[string]string{"genbank_key": genbankKey, "map_key": mapKey}
	return c.call(ctx, "import_genbank", params, nil)
}

// Close shuts the connection down.
func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
	err := c.conn.Close()
	c.conn = nil
	return err
}

var _ Client = (*WSClient)(nil)
