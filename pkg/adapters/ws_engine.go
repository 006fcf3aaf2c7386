package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// rpcRequest is one JSON-RPC 2.0 call inside a batch.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// networkObservable lists methods whose effects leave the machine; batches
// containing them are checked against the host allowlist first.
var networkObservable = map[string]bool{
	"open": true, "click": true, "fill": true,
	"upload": true, "download": true,
}

// WSEngine speaks batch JSON-RPC to a browser bridge over a WebSocket. It is
// the shipped transport behind the WebEngine contract; a native-messaging
// host is an equivalent deployment alternative.
type WSEngine struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	nextID    atomic.Int64
	allowlist []string
	timeout   time.Duration
}

// WSEngineConfig configures the bridge connection.
type WSEngineConfig struct {
	URL          string        // e.g. "ws://127.0.0.1:8787/bridge"
	AllowDomains []string      // declared host allowlist
	Timeout      time.Duration // per-batch deadline, default 30s
}

// DialWSEngine connects to the bridge.
func DialWSEngine(ctx context.Context, cfg WSEngineConfig) (*WSEngine, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("webengine: dial %s: %w", cfg.URL, err)
	}
	return &WSEngine{conn: conn, allowlist: cfg.AllowDomains, timeout: cfg.Timeout}, nil
}

// Close shuts the bridge connection.
func (e *WSEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn.Close()
}

// call issues a single-request batch and decodes the result into out.
func (e *WSEngine) call(ctx context.Context, method string, params any, out any) error {
	req := rpcRequest{JSONRPC: "2.0", ID: e.nextID.Add(1), Method: method, Params: params}

	if networkObservable[method] {
		if err := e.checkAllowlist(params); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	deadline := time.Now().Add(e.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = e.conn.SetWriteDeadline(deadline)
	if err := e.conn.WriteJSON([]rpcRequest{req}); err != nil {
		return fmt.Errorf("webengine: write %s: %w", method, err)
	}

	_ = e.conn.SetReadDeadline(deadline)
	var responses []rpcResponse
	if err := e.conn.ReadJSON(&responses); err != nil {
		return fmt.Errorf("webengine: read %s: %w", method, err)
	}
	for _, resp := range responses {
		if resp.ID != req.ID {
			continue
		}
		if resp.Error != nil {
			return fmt.Errorf("webengine: %s failed: %s (code %d)", method, resp.Error.Message, resp.Error.Code)
		}
		if out != nil && resp.Result != nil {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("webengine: decode %s result: %w", method, err)
			}
		}
		return nil
	}
	return fmt.Errorf("webengine: no response for %s (id %d)", method, req.ID)
}

// checkAllowlist rejects batches whose URL parameters leave the declared
// hosts. Non-URL operations pass; the bridge enforces its own origin rules.
func (e *WSEngine) checkAllowlist(params any) error {
	if len(e.allowlist) == 0 {
		return nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	target, ok := m["url"].(string)
	if !ok || target == "" {
		return nil
	}
	u, err := url.Parse(target)
	if err != nil || u.Hostname() == "" {
		return fmt.Errorf("webengine: unparseable url %q", target)
	}
	host := u.Hostname()
	for _, entry := range e.allowlist {
		entry = strings.TrimPrefix(entry, "*.")
		if host == entry || strings.HasSuffix(host, "."+entry) {
			return nil
		}
	}
	return fmt.Errorf("webengine: host %q not in declared allowlist", host)
}

func (e *WSEngine) Open(ctx context.Context, pageURL, browserContext string) (string, error) {
	var res struct {
		URL string `json:"url"`
	}
	err := e.call(ctx, "open", map[string]any{"url": pageURL, "context": browserContext}, &res)
	if err != nil {
		return "", err
	}
	if res.URL == "" {
		res.URL = pageURL
	}
	return res.URL, nil
}

func (e *WSEngine) Fill(ctx context.Context, target Target, text string) error {
	return e.call(ctx, "fill", map[string]any{"target": target, "text": text}, nil)
}

func (e *WSEngine) Click(ctx context.Context, target Target) error {
	return e.call(ctx, "click", map[string]any{"target": target}, nil)
}

func (e *WSEngine) Upload(ctx context.Context, target Target, path string) error {
	return e.call(ctx, "upload", map[string]any{"target": target, "path": path}, nil)
}

func (e *WSEngine) WaitForDownload(ctx context.Context, to string, timeoutMS int64) (*DownloadResult, error) {
	var res DownloadResult
	err := e.call(ctx, "wait_for_download", map[string]any{"to": to, "timeout_ms": timeoutMS}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (e *WSEngine) CaptureDOMSchema(ctx context.Context, target string) (*DOMSchema, error) {
	var res DOMSchema
	if err := e.call(ctx, "capture_dom_schema", map[string]any{"target": target}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (e *WSEngine) CountElements(ctx context.Context, target Target) (int, error) {
	var res struct {
		Count int `json:"count"`
	}
	if err := e.call(ctx, "count_elements", map[string]any{"target": target}, &res); err != nil {
		return 0, err
	}
	return res.Count, nil
}

func (e *WSEngine) PageText(ctx context.Context) (string, error) {
	var res struct {
		Text string `json:"text"`
	}
	if err := e.call(ctx, "page_text", nil, &res); err != nil {
		return "", err
	}
	return res.Text, nil
}

func (e *WSEngine) CurrentURL(ctx context.Context) (string, error) {
	var res struct {
		URL string `json:"url"`
	}
	if err := e.call(ctx, "current_url", nil, &res); err != nil {
		return "", err
	}
	return res.URL, nil
}

func (e *WSEngine) CookiesGet(ctx context.Context, browserContext string) (map[string]string, error) {
	var res map[string]string
	if err := e.call(ctx, "cookies_get", map[string]any{"context": browserContext}, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (e *WSEngine) CookiesSet(ctx context.Context, browserContext string, cookies map[string]string) error {
	return e.call(ctx, "cookies_set", map[string]any{"context": browserContext, "cookies": cookies}, nil)
}

func (e *WSEngine) FrameSelect(ctx context.Context, frame string) error {
	return e.call(ctx, "frame_select", map[string]any{"frame": frame}, nil)
}

func (e *WSEngine) FrameClear(ctx context.Context) error {
	return e.call(ctx, "frame_clear", nil, nil)
}

func (e *WSEngine) PierceShadow(ctx context.Context, enable bool) error {
	return e.call(ctx, "pierce_shadow", map[string]any{"enable": enable}, nil)
}
