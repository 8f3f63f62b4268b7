// Package rpcclient is the narrow EVM JSON-RPC surface the pipeline, nonce
// manager, and watcher actually issue: eth_getTransactionCount,
// eth_sendRawTransaction, eth_getTransactionReceipt, eth_estimateGas,
// eth_gasPrice, eth_feeHistory, eth_chainId, eth_getBalance, and
// eth_subscribe("newHeads"). It is deliberately not a general-purpose
// JSON-RPC client library; this is the minimal slice the core depends on,
// behind an interface a fuller client could still satisfy.
//
// The HTTP transport below is adapted from arcsign's
// chainadapter/rpc.HTTPRPCClient: round-robin + circuit-breaker failover
// across an ordered list of RPC endpoint URLs.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relayforge/evmrelay/internal/obsmetrics"
	"github.com/relayforge/evmrelay/internal/relayerr"
)

// RawClient is the transport-level abstraction both the HTTP and WebSocket
// implementations satisfy.
type RawClient interface {
	Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error)
	Close() error
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *jsonRPCError) Error() string { return e.Message }

// HTTPClient implements RawClient over a bounded-concurrency HTTP pool with
// per-endpoint circuit breaking and round-robin failover.
type HTTPClient struct {
	endpoints []string
	health    *healthTracker
	http      *http.Client
	sem       chan struct{} // bounds concurrent in-flight requests (default 32)
	requestID atomic.Int64

	mu      sync.Mutex
	cursor  int

	metrics *obsmetrics.Metrics
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

func WithMetrics(m *obsmetrics.Metrics) HTTPOption {
	return func(c *HTTPClient) { c.metrics = m }
}

func WithMaxConcurrency(n int) HTTPOption {
	return func(c *HTTPClient) { c.sem = make(chan struct{}, n) }
}

// NewHTTPClient builds a failover HTTP client over the given endpoint list.
func NewHTTPClient(endpoints []string, timeout time.Duration, opts ...HTTPOption) (*HTTPClient, error) {
	if len(endpoints) == 0 {
		return nil, relayerr.Validation("ERR_NO_ENDPOINTS", "at least one RPC endpoint is required")
	}
	c := &HTTPClient{
		endpoints: endpoints,
		health:    newHealthTracker(),
		http:      &http.Client{Timeout: timeout},
		sem:       make(chan struct{}, 32),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *HTTPClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// Call executes method against the first healthy endpoint, failing over to
// the next on error, until every endpoint has been attempted once.
func (c *HTTPClient) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return nil, relayerr.ProviderTransient("ERR_RPC_TIMEOUT", "context cancelled waiting for RPC slot", ctx.Err())
	}

	attempted := make(map[string]bool, len(c.endpoints))
	var lastErr error

	for len(attempted) < len(c.endpoints) {
		endpoint := c.nextHealthy(attempted)
		if endpoint == "" {
			break
		}
		attempted[endpoint] = true

		start := time.Now()
		result, err := c.callOne(ctx, endpoint, method, params)
		duration := time.Since(start)

		if err == nil {
			c.health.recordSuccess(endpoint, duration)
			c.recordMetric(method, "success", duration)
			return result, nil
		}

		c.health.recordFailure(endpoint)
		c.recordMetric(method, "failure", duration)
		lastErr = err
	}

	return nil, relayerr.ProviderTransient("ERR_RPC_UNAVAILABLE",
		fmt.Sprintf("all %d RPC endpoints failed for %s", len(c.endpoints), method), lastErr)
}

func (c *HTTPClient) recordMetric(method, outcome string, d time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.RPCCalls.WithLabelValues(method, outcome).Inc()
	c.metrics.RPCDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (c *HTTPClient) callOne(ctx context.Context, endpoint, method string, params []interface{}) (json.RawMessage, error) {
	id := c.requestID.Add(1)
	reqBody, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(body))
	}

	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

func (c *HTTPClient) nextHealthy(attempted map[string]bool) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := 0; i < len(c.endpoints); i++ {
		idx := (c.cursor + i) % len(c.endpoints)
		endpoint := c.endpoints[idx]
		if attempted[endpoint] {
			continue
		}
		if c.health.isHealthy(endpoint) {
			c.cursor = (idx + 1) % len(c.endpoints)
			return endpoint
		}
	}
	for _, e := range c.endpoints {
		if !attempted[e] {
			return e
		}
	}
	return ""
}
