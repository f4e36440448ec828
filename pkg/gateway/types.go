package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// writeTimeout bounds every websocket write so a stalled client cannot block
// the goroutine pushing to it
const writeTimeout = 10 * time.Second

// RPCRequest is a JSON-RPC 2.0 style request frame
type RPCRequest struct {
	ID             string          `json:"id"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	JSONRPC        string          `json:"jsonrpc,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

// RPCResponse answers one RPCRequest
type RPCResponse struct {
	ID      string    `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
	JSONRPC string    `json:"jsonrpc"`
}

// RPCError is the error member of an RPCResponse
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	return e.Message
}

// EventMessage is a server-initiated frame
type EventMessage struct {
	Type      string `json:"type"`
	Event     string `json:"event"`
	RequestID string `json:"requestId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Seq       int64  `json:"seq"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// AuthChallenge is sent to a new client when a shared secret is configured
type AuthChallenge struct {
	Event     string `json:"event"`
	Challenge string `json:"challenge"`
}

// AuthResponse carries the client's HMAC of the challenge
type AuthResponse struct {
	Method    string `json:"method"`
	Signature string `json:"signature"`
}

// AuthResult reports the outcome of an AuthResponse
type AuthResult struct {
	Event   string `json:"event"`
	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

// ClientInfo is a read-only view of a connected client
type ClientInfo struct {
	ID            string    `json:"id"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastActivity  time.Time `json:"lastActivity"`
	IPAddress     string    `json:"ipAddress"`
	Subscribed    bool      `json:"subscribed"`
	Idle          bool      `json:"idle"`
}

// RequestHandler serves one RPC method. The context carries the calling
// client, if any, and is cancelled when it disconnects.
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// RPC error codes
const (
	ParseError             = -32700
	InvalidRequest         = -32600
	MethodNotFound         = -32601
	InvalidParams          = -32602
	InternalError          = -32603
	AuthenticationRequired = -32001
	NotFound               = -32004
	RateLimitExceeded      = -32005
	TooManyConcurrent      = -32006
	SessionBusy            = -32009
)

// Client is a connected websocket client
type Client struct {
	ID           string
	Conn         *websocket.Conn
	Challenge    string
	ConnectedAt  time.Time
	LastActivity time.Time
	IPAddress    string
	AuthAttempts int
	RateLimiter  *ClientRateLimiter

	authenticated atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	subMu sync.Mutex
	feed  *taskFeed
}

func newClient(id string, conn *websocket.Conn, remoteAddr string, limiter *ClientRateLimiter) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	return &Client{
		ID:           id,
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    remoteAddr,
		RateLimiter:  limiter,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// IsAuthenticated reports whether the client may call methods
func (c *Client) IsAuthenticated() bool {
	return c.authenticated.Load()
}

// WriteJSON serialises writes to the connection, which gorilla/websocket
// requires
func (c *Client) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.Conn.WriteJSON(v)
}

// WriteMessage writes a pre-encoded frame
func (c *Client) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.Conn.WriteMessage(messageType, data)
}

// setSubscription replaces the client's task feed
func (c *Client) setSubscription(feed *taskFeed) {
	c.subMu.Lock()
	prev := c.feed
	c.feed = feed
	c.subMu.Unlock()

	if prev != nil {
		prev.stop()
	}
}

// dropSubscription stops feed and clears it if it is still the client's
func (c *Client) dropSubscription(feed *taskFeed) {
	c.subMu.Lock()
	if c.feed == feed {
		c.feed = nil
	}
	c.subMu.Unlock()

	feed.stop()
}

func (c *Client) subscribed() bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return c.feed != nil
}

// close cancels the client's in-flight requests and drops its subscription
func (c *Client) close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.setSubscription(nil)
}
