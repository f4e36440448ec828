package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// replayWindow is how long a response stays replayable for a repeated
// idempotency key. Clients reconnecting after a dropped agent.background
// call resend it with the same key and get the original task back.
const replayWindow = 5 * time.Minute

// RPCRouter maps method names to handlers and turns handler results into
// response frames
type RPCRouter struct {
	mu       sync.RWMutex
	handlers map[string]RequestHandler
	replays  *replayCache
}

// NewRPCRouter creates an empty router
func NewRPCRouter() *RPCRouter {
	return &RPCRouter{
		handlers: make(map[string]RequestHandler),
		replays:  newReplayCache(replayWindow),
	}
}

// RegisterMethod binds name to handler, replacing any previous binding
func (r *RPCRouter) RegisterMethod(name string, handler RequestHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	r.mu.Lock()
	r.handlers[name] = handler
	r.mu.Unlock()
	return nil
}

// UnregisterMethod drops a binding. Unknown names are ignored.
func (r *RPCRouter) UnregisterMethod(name string) {
	r.mu.Lock()
	delete(r.handlers, name)
	r.mu.Unlock()
}

// HasMethod reports whether name is bound
func (r *RPCRouter) HasMethod(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Methods returns the bound method names in order
func (r *RPCRouter) Methods() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// ParseRequest decodes a request frame. Failures are *RPCError values ready
// to be sent back.
func (r *RPCRouter) ParseRequest(data []byte) (*RPCRequest, error) {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}

	switch {
	case req.ID == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing id field"}
	case req.Method == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing method field"}
	}

	if req.JSONRPC == "" {
		req.JSONRPC = "2.0"
	}
	return &req, nil
}

// RouteRequest runs the handler bound to the request's method. A handler
// error wrapping an *RPCError keeps its code; any other error is internal.
func (r *RPCRouter) RouteRequest(ctx context.Context, req *RPCRequest) *RPCResponse {
	if req == nil {
		return errorResponse("", &RPCError{Code: InvalidRequest, Message: "invalid request"})
	}

	key := replayKey(req)
	if cached, ok := r.replays.get(key); ok {
		cached.ID = req.ID
		return &cached
	}

	r.mu.RLock()
	handler, ok := r.handlers[req.Method]
	r.mu.RUnlock()
	if !ok {
		return errorResponse(req.ID, &RPCError{
			Code:    MethodNotFound,
			Message: fmt.Sprintf("Method not found: %s", req.Method),
		})
	}

	result, err := handler(withRequestID(ctx, req.ID), req.Params)

	var resp *RPCResponse
	if err != nil {
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &RPCError{Code: InternalError, Message: err.Error()}
		}
		resp = errorResponse(req.ID, rpcErr)
	} else {
		resp = &RPCResponse{ID: req.ID, JSONRPC: "2.0", Result: result}
	}

	r.replays.put(key, *resp)
	return resp
}

func errorResponse(id string, err *RPCError) *RPCResponse {
	return &RPCResponse{ID: id, JSONRPC: "2.0", Error: err}
}

func replayKey(req *RPCRequest) string {
	if req.IdempotencyKey == "" {
		return ""
	}
	return req.Method + ":" + req.IdempotencyKey
}

// replayCache remembers responses by idempotency key for a fixed window.
// The empty key is never stored.
type replayCache struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string]replayEntry
}

type replayEntry struct {
	resp    RPCResponse
	expires time.Time
}

func newReplayCache(window time.Duration) *replayCache {
	return &replayCache{
		window:  window,
		entries: make(map[string]replayEntry),
	}
}

func (c *replayCache) get(key string) (RPCResponse, bool) {
	if key == "" {
		return RPCResponse{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return RPCResponse{}, false
	}
	if time.Now().After(entry.expires) {
		delete(c.entries, key)
		return RPCResponse{}, false
	}
	return copyResponse(entry.resp), true
}

// put stores resp and sweeps expired entries
func (c *replayCache) put(key string, resp RPCResponse) {
	if key == "" {
		return
	}

	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = replayEntry{resp: copyResponse(resp), expires: now.Add(c.window)}
}

func copyResponse(resp RPCResponse) RPCResponse {
	if resp.Error != nil {
		errCopy := *resp.Error
		resp.Error = &errCopy
	}
	return resp
}
