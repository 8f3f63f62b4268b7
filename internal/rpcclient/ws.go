package rpcclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relayforge/evmrelay/internal/relayerr"
)

// WSClient is a WebSocket JSON-RPC transport with automatic reconnection,
// adapted from arcsign's rpc.WebSocketRPCClient. The watcher uses it
// exclusively for the eth_subscribe("newHeads") stream that drives reorg
// and receipt confirmation detection; request/response calls are also
// available but the pipeline prefers HTTPClient for those, since only the
// head subscription needs a persistent socket.
type WSClient struct {
	url string

	connMu sync.RWMutex
	conn   *websocket.Conn

	requestID    atomic.Int64
	pendingCalls map[int64]chan *jsonRPCResponse
	pendingMu    sync.Mutex

	subsMu        sync.Mutex
	subscriptions map[string]chan json.RawMessage

	reconnecting atomic.Bool
	closed       atomic.Bool
	closeChan    chan struct{}

	maxReconnectInterval time.Duration
	reconnectBackoff     time.Duration
}

// NewWSClient dials url and starts the background read loop.
func NewWSClient(url string) (*WSClient, error) {
	c := &WSClient{
		url:                  url,
		pendingCalls:         make(map[int64]chan *jsonRPCResponse),
		subscriptions:        make(map[string]chan json.RawMessage),
		closeChan:            make(chan struct{}),
		maxReconnectInterval: 60 * time.Second,
		reconnectBackoff:     time.Second,
	}
	if err := c.connect(); err != nil {
		return nil, relayerr.ProviderTransient("ERR_WS_DIAL", "failed to dial websocket RPC endpoint", err)
	}
	go c.readLoop()
	return c, nil
}

func (c *WSClient) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return err
	}
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	return nil
}

// Call issues a single JSON-RPC request over the live socket.
func (c *WSClient) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, relayerr.ProviderFatal("ERR_WS_CLOSED", "websocket client is closed", nil)
	}

	id := c.requestID.Add(1)
	respChan := make(chan *jsonRPCResponse, 1)
	c.pendingMu.Lock()
	c.pendingCalls[id] = respChan
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pendingCalls, id)
		c.pendingMu.Unlock()
	}()

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return nil, relayerr.ProviderTransient("ERR_WS_NOT_CONNECTED", "websocket not connected", nil)
	}

	req := jsonRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := conn.WriteJSON(req); err != nil {
		go c.reconnect()
		return nil, relayerr.ProviderTransient("ERR_WS_WRITE", "failed to write websocket request", err)
	}

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, fmt.Errorf("%w", resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, relayerr.ProviderTransient("ERR_WS_TIMEOUT", "context cancelled waiting for websocket response", ctx.Err())
	case <-c.closeChan:
		return nil, relayerr.ProviderFatal("ERR_WS_CLOSED", "websocket client closed while waiting for response", nil)
	}
}

// SubscribeNewHeads subscribes to eth_subscribe("newHeads") and returns a
// channel of raw header JSON, one per notification. The channel is never
// closed, not even by Close. Reconnection re-establishes the socket but does
// not re-subscribe, and a fresh subscription ID is issued per connection, so
// after a reconnect the channel receives no further heads.
func (c *WSClient) SubscribeNewHeads(ctx context.Context) (<-chan json.RawMessage, error) {
	result, err := c.Call(ctx, "eth_subscribe", "newHeads")
	if err != nil {
		return nil, err
	}
	var subID string
	if err := json.Unmarshal(result, &subID); err != nil {
		return nil, relayerr.ProviderFatal("ERR_WS_SUBSCRIBE", "failed to parse subscription id", err)
	}

	notifyCh := make(chan json.RawMessage, 64)
	c.subsMu.Lock()
	c.subscriptions[subID] = notifyCh
	c.subsMu.Unlock()

	return notifyCh, nil
}

func (c *WSClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.closeChan)
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *WSClient) reconnect() {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer c.reconnecting.Store(false)

	backoff := c.reconnectBackoff
	for {
		select {
		case <-c.closeChan:
			return
		case <-time.After(backoff):
			if err := c.connect(); err != nil {
				backoff *= 2
				if backoff > c.maxReconnectInterval {
					backoff = c.maxReconnectInterval
				}
				continue
			}
			go c.readLoop()
			return
		}
	}
}

func (c *WSClient) readLoop() {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return
	}

	for {
		select {
		case <-c.closeChan:
			return
		default:
		}

		var raw json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			go c.reconnect()
			return
		}

		var partial struct {
			ID     *int64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(raw, &partial); err != nil {
			continue
		}

		if partial.ID != nil {
			var resp jsonRPCResponse
			if err := json.Unmarshal(raw, &resp); err != nil {
				continue
			}
			c.pendingMu.Lock()
			ch, ok := c.pendingCalls[*partial.ID]
			c.pendingMu.Unlock()
			if ok {
				ch <- &resp
			}
			continue
		}

		if partial.Method == "eth_subscription" {
			var notification struct {
				Params struct {
					Subscription string          `json:"subscription"`
					Result       json.RawMessage `json:"result"`
				} `json:"params"`
			}
			if err := json.Unmarshal(raw, &notification); err != nil {
				continue
			}
			c.subsMu.Lock()
			ch, ok := c.subscriptions[notification.Params.Subscription]
			c.subsMu.Unlock()
			if ok {
				select {
				case ch <- notification.Params.Result:
				default:
				}
			}
		}
	}
}
