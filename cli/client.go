package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/smallnest/permgate/gateway"
	"github.com/smallnest/permgate/internal/logger"
	"github.com/smallnest/permgate/jsonrpc"
	"go.uber.org/zap"
)

var errClientClosed = errors.New("gateway connection closed")

// RPCError 网关返回的错误
type RPCError struct {
	Code    int
	Message string
	Reason  string
}

func (e *RPCError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Reason)
	}
	return e.Message
}

// gatewayClient 网关 WebSocket 客户端
type gatewayClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	waiters map[string]chan *jsonrpc.Response
	closed  bool

	prompts chan gateway.PromptNotification
	done    chan struct{}
}

// dialGateway 连接网关
func dialGateway(ctx context.Context, url, token string) (*gatewayClient, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("gateway rejected token: %w", err)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	c := &gatewayClient{
		conn:    conn,
		waiters: make(map[string]chan *jsonrpc.Response),
		prompts: make(chan gateway.PromptNotification, 256),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Prompts 返回权限提示通知流，连接关闭后通道关闭
func (c *gatewayClient) Prompts() <-chan gateway.PromptNotification {
	return c.prompts
}

// Done 连接关闭时关闭
func (c *gatewayClient) Done() <-chan struct{} {
	return c.done
}

// Call 调用网关方法并把结果解码到 out
func (c *gatewayClient) Call(ctx context.Context, method string, params, out interface{}) error {
	id := strconv.FormatInt(c.nextID.Add(1), 10)
	ch := make(chan *jsonrpc.Response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClientClosed
	}
	c.waiters[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.waiters, id)
		c.mu.Unlock()
	}()

	req := map[string]interface{}{
		"jsonrpc": jsonrpc.Version,
		"id":      json.RawMessage(id),
		"method":  method,
	}
	if params != nil {
		req["params"] = params
	}

	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return &RPCError{Code: resp.Error.Code, Message: resp.Error.Message, Reason: resp.Error.Data}
		}
		if out == nil {
			return nil
		}
		raw, err := json.Marshal(resp.Result)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, out)
	case <-c.done:
		return errClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

type inboundMessage struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *jsonrpc.Error  `json:"error"`
}

func (c *gatewayClient) readLoop() {
	defer func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		close(c.prompts)
	}()

	for {
		var msg inboundMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logger.Debug("Gateway read ended", zap.Error(err))
			}
			return
		}

		if len(msg.ID) > 0 && string(msg.ID) != "null" {
			c.mu.Lock()
			ch, ok := c.waiters[string(msg.ID)]
			c.mu.Unlock()
			if ok {
				ch <- &jsonrpc.Response{ID: msg.ID, Result: msg.Result, Error: msg.Error}
			}
			continue
		}

		if msg.Method != gateway.NotificationPrompt {
			continue
		}
		var pn gateway.PromptNotification
		if err := json.Unmarshal(msg.Params, &pn); err != nil {
			logger.Warn("Malformed prompt notification", zap.Error(err))
			continue
		}
		select {
		case c.prompts <- pn:
		default:
			logger.Warn("Prompt queue full, dropping notification",
				zap.String("prompt_id", pn.Prompt.PromptID))
		}
	}
}

// Close 关闭连接
func (c *gatewayClient) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}
