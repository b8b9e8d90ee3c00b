// Package engine provides the MediaEngine implementations: a Kurento
// JSON-RPC client for a remote media server and an embedded pion
// engine for engine-less deployments.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tmeetei/groupcall/internal/core"
	"github.com/tmeetei/groupcall/internal/domain"
)

// Kurento talks to a Kurento Media Server over its websocket JSON-RPC
// interface. Pipelines and endpoints are referenced by the object ids
// Kurento hands out, so core refs map one-to-one onto RPC objects.
type Kurento struct {
	url string

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string

	nextID  atomic.Uint64
	pending sync.Map // uint64 -> chan rpcResponse
}

func NewKurento(url string) *Kurento {
	return &Kurento{url: url}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("kurento rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcResult struct {
	Value     string `json:"value"`
	SessionID string `json:"sessionId"`
}

// ensureConn dials lazily and restarts the read loop after a broken
// connection. Callers hold no lock.
func (k *Kurento) ensureConn() (*websocket.Conn, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.conn != nil {
		return k.conn, nil
	}
	conn, _, err := websocket.DefaultDialer.Dial(k.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", domain.ErrEngineUnavailable, k.url, err)
	}
	k.conn = conn
	go k.readLoop(conn)
	log.Info().Str("module", "engine.kurento").Str("url", k.url).Msg("connected to media server")
	return conn, nil
}

func (k *Kurento) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Error().Err(err).Str("module", "engine.kurento").Msg("read loop terminated")
			k.dropConn(conn)
			return
		}
		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			log.Warn().Err(err).Str("module", "engine.kurento").Msg("unparseable rpc message")
			continue
		}
		if resp.ID == 0 {
			// Server-initiated notification (onEvent); the
			// coordinator does not subscribe to any.
			continue
		}
		if ch, ok := k.pending.LoadAndDelete(resp.ID); ok {
			ch.(chan rpcResponse) <- resp
		}
	}
}

// dropConn fails every pending call so callers do not wait for a
// response that can no longer arrive.
func (k *Kurento) dropConn(conn *websocket.Conn) {
	k.mu.Lock()
	if k.conn == conn {
		k.conn = nil
		k.sessionID = ""
	}
	k.mu.Unlock()
	_ = conn.Close()

	k.pending.Range(func(key, value any) bool {
		k.pending.Delete(key)
		value.(chan rpcResponse) <- rpcResponse{
			Error: &rpcError{Code: -1, Message: "connection lost"},
		}
		return true
	})
}

func (k *Kurento) call(ctx context.Context, method string, params map[string]any) (rpcResult, error) {
	conn, err := k.ensureConn()
	if err != nil {
		return rpcResult{}, err
	}

	k.mu.Lock()
	if k.sessionID != "" {
		params["sessionId"] = k.sessionID
	}
	id := k.nextID.Add(1)
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	ch := make(chan rpcResponse, 1)
	k.pending.Store(id, ch)
	err = conn.WriteJSON(req)
	k.mu.Unlock()
	if err != nil {
		k.pending.Delete(id)
		k.dropConn(conn)
		return rpcResult{}, fmt.Errorf("%w: write: %v", domain.ErrEngineUnavailable, err)
	}

	select {
	case <-ctx.Done():
		k.pending.Delete(id)
		return rpcResult{}, ctx.Err()
	case resp := <-ch:
		if resp.Error != nil {
			return rpcResult{}, resp.Error
		}
		var res rpcResult
		if len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, &res); err != nil {
				return rpcResult{}, fmt.Errorf("bad rpc result: %w", err)
			}
		}
		if res.SessionID != "" {
			k.mu.Lock()
			k.sessionID = res.SessionID
			k.mu.Unlock()
		}
		return res, nil
	}
}

func (k *Kurento) CreatePipeline(ctx context.Context) (core.PipelineRef, error) {
	res, err := k.call(ctx, "create", map[string]any{
		"type":              "MediaPipeline",
		"constructorParams": map[string]any{},
	})
	if err != nil {
		return "", wrapUnavailable(err)
	}
	return core.PipelineRef(res.Value), nil
}

func (k *Kurento) CreateEndpoint(ctx context.Context, pipeline core.PipelineRef) (core.EndpointRef, error) {
	res, err := k.call(ctx, "create", map[string]any{
		"type": "WebRtcEndpoint",
		"constructorParams": map[string]any{
			"mediaPipeline": string(pipeline),
		},
	})
	if err != nil {
		return "", wrapUnavailable(err)
	}
	return core.EndpointRef(res.Value), nil
}

func (k *Kurento) ProcessOffer(ctx context.Context, endpoint core.EndpointRef, sdpOffer string) (string, error) {
	res, err := k.call(ctx, "invoke", map[string]any{
		"object":    string(endpoint),
		"operation": "processOffer",
		"operationParams": map[string]any{
			"offer": sdpOffer,
		},
	})
	if err != nil {
		if isCtxErr(err) || errors.Is(err, domain.ErrEngineUnavailable) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", domain.ErrNegotiation, err)
	}
	return res.Value, nil
}

func (k *Kurento) Connect(ctx context.Context, src, sink core.EndpointRef) error {
	_, err := k.call(ctx, "invoke", map[string]any{
		"object":    string(src),
		"operation": "connect",
		"operationParams": map[string]any{
			"sink": string(sink),
		},
	})
	if err != nil {
		if isCtxErr(err) || errors.Is(err, domain.ErrEngineUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrConnect, err)
	}
	return nil
}

func (k *Kurento) ReleaseEndpoint(ctx context.Context, endpoint core.EndpointRef) error {
	_, err := k.call(ctx, "release", map[string]any{
		"object": string(endpoint),
	})
	return err
}

func (k *Kurento) ReleasePipeline(ctx context.Context, pipeline core.PipelineRef) error {
	_, err := k.call(ctx, "release", map[string]any{
		"object": string(pipeline),
	})
	return err
}

// Close tears the RPC connection down on shutdown.
func (k *Kurento) Close() {
	k.mu.Lock()
	conn := k.conn
	k.mu.Unlock()
	if conn != nil {
		k.dropConn(conn)
	}
}

func isCtxErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func wrapUnavailable(err error) error {
	if isCtxErr(err) || errors.Is(err, domain.ErrEngineUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrEngineUnavailable, err)
}
