package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/smallnest/permgate/internal/logger"
	"github.com/smallnest/permgate/jsonrpc"
	"github.com/smallnest/permgate/lifecycle"
	"github.com/smallnest/permgate/permission"
	"github.com/smallnest/permgate/types"
	"go.uber.org/zap"
)

// ProtocolVersion 当前协议版本
const ProtocolVersion = "1.0"

// Broker is the registry surface exposed over the gateway.
type Broker interface {
	Rekey(oldID, newID string)
	Resolve(sessionID, promptID string, d permission.Decision) error
	Sessions() []permission.SessionInfo
	Pending(sessionID string) ([]permission.PromptEvent, error)
}

// Lifecycle starts and ends sessions together with their launch artifacts.
type Lifecycle interface {
	Begin(ctx context.Context, sessionID string) (*lifecycle.Launch, error)
	End(ctx context.Context, sessionID string)
}

// Subscriber switches the notification channel of one connection.
type Subscriber interface {
	Subscribe(connID, channel string) error
}

// Handler WebSocket 消息处理器
type Handler struct {
	registry    *jsonrpc.MethodRegistry
	broker      Broker
	lifecycle   Lifecycle
	subscriber  Subscriber
	startedAt   time.Time
	callTimeout time.Duration
}

// NewHandler 创建处理器
func NewHandler(broker Broker, lc Lifecycle) *Handler {
	h := &Handler{
		registry:    jsonrpc.NewMethodRegistry(),
		broker:      broker,
		lifecycle:   lc,
		startedAt:   time.Now(),
		callTimeout: 15 * time.Second,
	}

	// 注册系统方法
	h.registerSystemMethods()

	// 注册会话方法
	h.registerSessionMethods()

	// 注册权限方法
	h.registerPermissionMethods()

	return h
}

// SetSubscriber injects the connection subscriber used by permission.subscribe.
func (h *Handler) SetSubscriber(sub Subscriber) {
	h.subscriber = sub
}

// HandleRequest 处理请求；通知（无 id）返回 nil
func (h *Handler) HandleRequest(connID string, req *jsonrpc.Request) *jsonrpc.Response {
	if req == nil {
		return jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorInvalidRequest, "nil request")
	}

	result, err := h.registry.Call(req.Method, connID, req.Params)
	if req.IsNotification() {
		if err != nil {
			logger.Debug("Notification handling failed",
				zap.String("method", req.Method),
				zap.String("conn_id", connID),
				zap.Error(err))
		}
		return nil
	}
	if err != nil {
		logger.Warn("Method execution failed",
			zap.String("method", req.Method),
			zap.String("conn_id", connID),
			zap.Error(err))
		return errorResponse(req.ID, err)
	}

	return jsonrpc.NewSuccessResponse(req.ID, result)
}

// errorResponse maps broker failures onto JSON-RPC error codes.
func errorResponse(id json.RawMessage, err error) *jsonrpc.Response {
	code := jsonrpc.ErrorInternalError
	var mnf *jsonrpc.MethodNotFoundError
	var ip *jsonrpc.InvalidParamsError
	switch {
	case errors.As(err, &mnf):
		code = jsonrpc.ErrorMethodNotFound
	case errors.As(err, &ip):
		code = jsonrpc.ErrorInvalidParams
	}

	reason := types.ClassifyError(err)
	switch reason {
	case types.ReasonInvalidDecision:
		code = jsonrpc.ErrorInvalidParams
	case types.ReasonSessionNotFound, types.ReasonPromptNotFound:
		code = jsonrpc.ErrorNotFound
	}

	resp := jsonrpc.NewErrorResponse(id, code, err.Error())
	if reason != types.ReasonUnknown {
		resp.Error.Data = string(reason)
	}
	return resp
}

// registerSystemMethods 注册系统方法
func (h *Handler) registerSystemMethods() {
	// health - 健康检查
	h.registry.Register("health", func(connID string, params json.RawMessage) (interface{}, error) {
		return map[string]interface{}{
			"status":   "ok",
			"version":  ProtocolVersion,
			"sessions": len(h.broker.Sessions()),
			"uptime":   int64(time.Since(h.startedAt).Seconds()),
			"time":     time.Now().Unix(),
		}, nil
	})
}

type sessionParams struct {
	SessionID string `json:"session_id"`
}

type rekeyParams struct {
	OldSessionID string `json:"old_session_id"`
	NewSessionID string `json:"new_session_id"`
}

// registerSessionMethods 注册会话方法
func (h *Handler) registerSessionMethods() {
	// session.start - 启动会话端点并生成启动配置
	h.registry.Register("session.start", func(connID string, params json.RawMessage) (interface{}, error) {
		var p sessionParams
		if err := jsonrpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.SessionID) == "" {
			p.SessionID = uuid.New().String()
		}

		ctx, cancel := context.WithTimeout(context.Background(), h.callTimeout)
		defer cancel()
		return h.lifecycle.Begin(ctx, p.SessionID)
	})

	// session.stop - 停止会话（幂等）
	h.registry.Register("session.stop", func(connID string, params json.RawMessage) (interface{}, error) {
		var p sessionParams
		if err := jsonrpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.SessionID) == "" {
			return nil, &jsonrpc.InvalidParamsError{Message: "session_id is required"}
		}

		ctx, cancel := context.WithTimeout(context.Background(), h.callTimeout)
		defer cancel()
		h.lifecycle.End(ctx, p.SessionID)
		return map[string]interface{}{"session_id": p.SessionID, "stopped": true}, nil
	})

	// session.rekey - 会话改名，不影响进行中的请求
	h.registry.Register("session.rekey", func(connID string, params json.RawMessage) (interface{}, error) {
		var p rekeyParams
		if err := jsonrpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.OldSessionID) == "" || strings.TrimSpace(p.NewSessionID) == "" {
			return nil, &jsonrpc.InvalidParamsError{Message: "old_session_id and new_session_id are required"}
		}
		h.broker.Rekey(p.OldSessionID, p.NewSessionID)
		return map[string]interface{}{
			"old_session_id": p.OldSessionID,
			"new_session_id": p.NewSessionID,
		}, nil
	})

	// sessions.list - 列出活跃会话
	h.registry.Register("sessions.list", func(connID string, params json.RawMessage) (interface{}, error) {
		sessions := h.broker.Sessions()
		return map[string]interface{}{
			"sessions": sessions,
			"count":    len(sessions),
		}, nil
	})
}

type resolveParams struct {
	SessionID string              `json:"session_id"`
	PromptID  string              `json:"prompt_id"`
	Decision  permission.Decision `json:"decision"`
}

// registerPermissionMethods 注册权限方法
func (h *Handler) registerPermissionMethods() {
	// permission.resolve - 对待处理请求做出决定
	h.registry.Register("permission.resolve", func(connID string, params json.RawMessage) (interface{}, error) {
		var p resolveParams
		if err := jsonrpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" || p.PromptID == "" {
			return nil, &jsonrpc.InvalidParamsError{Message: "session_id and prompt_id are required"}
		}
		if err := h.broker.Resolve(p.SessionID, p.PromptID, p.Decision); err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"session_id": p.SessionID,
			"prompt_id":  p.PromptID,
			"resolved":   true,
		}, nil
	})

	// permission.pending - 列出待处理请求，session_id 为空时列出全部
	h.registry.Register("permission.pending", func(connID string, params json.RawMessage) (interface{}, error) {
		var p sessionParams
		if err := jsonrpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}

		prompts := []permission.PromptEvent{}
		if p.SessionID != "" {
			pending, err := h.broker.Pending(p.SessionID)
			if err != nil {
				return nil, err
			}
			prompts = append(prompts, pending...)
		} else {
			for _, info := range h.broker.Sessions() {
				pending, err := h.broker.Pending(info.SessionID)
				if err != nil {
					// stopped between listing and reading
					continue
				}
				prompts = append(prompts, pending...)
			}
		}
		return map[string]interface{}{"prompts": prompts, "count": len(prompts)}, nil
	})

	// permission.subscribe - 切换本连接的通知频道
	h.registry.Register("permission.subscribe", func(connID string, params json.RawMessage) (interface{}, error) {
		var p sessionParams
		if err := jsonrpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		if h.subscriber == nil {
			return nil, fmt.Errorf("subscriptions are not available")
		}

		channel := permission.GlobalChannel
		if p.SessionID != "" {
			channel = permission.SessionChannel(p.SessionID)
		}
		if err := h.subscriber.Subscribe(connID, channel); err != nil {
			return nil, err
		}
		return map[string]interface{}{"channel": channel}, nil
	})
}
