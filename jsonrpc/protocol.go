package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Version JSON-RPC 版本
const Version = "2.0"

// Request JSON-RPC 请求
// ID 保留原始 JSON，响应时原样回写（数字仍是数字）
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"` // 通知可以没有ID
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id.
func (r *Request) IsNotification() bool {
	id := bytes.TrimSpace(r.ID)
	return len(id) == 0 || bytes.Equal(id, []byte("null"))
}

// IDString normalizes the id to a string for logging and lookups.
func (r *Request) IDString() string {
	if r.IsNotification() {
		return ""
	}
	var v interface{}
	if err := json.Unmarshal(r.ID, &v); err != nil {
		return string(r.ID)
	}
	switch id := v.(type) {
	case string:
		return id
	case float64:
		// JSON numbers are float64; preserve integer-like values as integers.
		if math.Trunc(id) == id {
			return strconv.FormatInt(int64(id), 10)
		}
		return strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return string(r.ID)
	}
}

// Response JSON-RPC 响应
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Notification JSON-RPC 通知
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Error RPC 错误
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// Error codes
const (
	ErrorParseError     = -32700
	ErrorInvalidRequest = -32600
	ErrorMethodNotFound = -32601
	ErrorInvalidParams  = -32602
	ErrorInternalError  = -32603
	ErrorNotFound       = -32004
)

// InvalidParamsError indicates request params are invalid.
type InvalidParamsError struct {
	Message string
}

func (e *InvalidParamsError) Error() string {
	return e.Message
}

// MethodNotFoundError is returned when a method is not registered.
type MethodNotFoundError struct {
	Method string
}

func (e *MethodNotFoundError) Error() string {
	return fmt.Sprintf("method not found: %s", e.Method)
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(id json.RawMessage, code int, message string) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	}
}

// NewSuccessResponse 创建成功响应
func NewSuccessResponse(id json.RawMessage, result interface{}) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Result:  result,
	}
}

// NewNotification 创建通知
func NewNotification(method string, params interface{}) *Notification {
	return &Notification{
		JSONRPC: Version,
		Method:  method,
		Params:  params,
	}
}

// ParseRequest 解析请求
func ParseRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}

	// 验证 JSON-RPC 版本
	if req.JSONRPC != Version {
		return nil, fmt.Errorf("unsupported jsonrpc version: %s", req.JSONRPC)
	}

	// 验证方法名
	if strings.TrimSpace(req.Method) == "" {
		return nil, fmt.Errorf("method is required")
	}

	return &req, nil
}

// DecodeParams decodes params into v, reporting failures as InvalidParamsError.
func DecodeParams(params json.RawMessage, v interface{}) error {
	if len(bytes.TrimSpace(params)) == 0 {
		params = json.RawMessage("{}")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &InvalidParamsError{Message: fmt.Sprintf("invalid params: %v", err)}
	}
	return nil
}

// MethodHandler 方法处理器
type MethodHandler func(connID string, params json.RawMessage) (interface{}, error)

// MethodRegistry 方法注册表
type MethodRegistry struct {
	methods map[string]MethodHandler
}

// NewMethodRegistry 创建方法注册表
func NewMethodRegistry() *MethodRegistry {
	return &MethodRegistry{
		methods: make(map[string]MethodHandler),
	}
}

// Register 注册方法
func (r *MethodRegistry) Register(method string, handler MethodHandler) {
	r.methods[method] = handler
}

// Methods returns the registered method names.
func (r *MethodRegistry) Methods() []string {
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	return names
}

// Call 调用方法
func (r *MethodRegistry) Call(method string, connID string, params json.RawMessage) (interface{}, error) {
	handler, ok := r.methods[method]
	if !ok {
		return nil, &MethodNotFoundError{Method: method}
	}
	if handler == nil {
		return nil, fmt.Errorf("nil handler for method: %s", method)
	}
	return handler(connID, params)
}
