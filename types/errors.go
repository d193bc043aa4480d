package types

import (
	"errors"
	"fmt"
)

// ErrorReason 错误原因类型
type ErrorReason string

const (
	// ReasonBind 监听端口失败
	ReasonBind ErrorReason = "bind"
	// ReasonSessionNotFound 会话不存在
	ReasonSessionNotFound ErrorReason = "session_not_found"
	// ReasonPromptNotFound 提示不存在或已结束
	ReasonPromptNotFound ErrorReason = "prompt_not_found"
	// ReasonDeliveryFailure 决定无法送达
	ReasonDeliveryFailure ErrorReason = "delivery_failure"
	// ReasonInvalidDecision 决定格式非法
	ReasonInvalidDecision ErrorReason = "invalid_decision"
	// ReasonUnknown 未知错误
	ReasonUnknown ErrorReason = "unknown"
)

// BrokerError is the typed failure returned by broker operations.
// Two BrokerErrors match under errors.Is when their reasons are equal.
type BrokerError struct {
	Reason    ErrorReason
	SessionID string
	PromptID  string
	Err       error
}

func (e *BrokerError) Error() string {
	var msg string
	switch e.Reason {
	case ReasonBind:
		msg = "failed to bind permission server"
	case ReasonSessionNotFound:
		msg = fmt.Sprintf("no permission server for session '%s'", e.SessionID)
	case ReasonPromptNotFound:
		msg = fmt.Sprintf("no pending prompt '%s'", e.PromptID)
	case ReasonDeliveryFailure:
		msg = fmt.Sprintf("prompt '%s' receiver already dropped", e.PromptID)
	case ReasonInvalidDecision:
		msg = "invalid permission decision"
	default:
		msg = "permission broker error"
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// Is matches on reason only, so the sentinels below work with errors.Is.
func (e *BrokerError) Is(target error) bool {
	t, ok := target.(*BrokerError)
	if !ok {
		return false
	}
	return t.Reason == e.Reason
}

// Sentinels for errors.Is.
var (
	ErrBind            = &BrokerError{Reason: ReasonBind}
	ErrSessionNotFound = &BrokerError{Reason: ReasonSessionNotFound}
	ErrPromptNotFound  = &BrokerError{Reason: ReasonPromptNotFound}
	ErrDeliveryFailure = &BrokerError{Reason: ReasonDeliveryFailure}
	ErrInvalidDecision = &BrokerError{Reason: ReasonInvalidDecision}
)

// NewBindError wraps a listener error.
func NewBindError(sessionID string, err error) error {
	return &BrokerError{Reason: ReasonBind, SessionID: sessionID, Err: err}
}

// NewSessionNotFound 创建会话不存在错误
func NewSessionNotFound(sessionID string) error {
	return &BrokerError{Reason: ReasonSessionNotFound, SessionID: sessionID}
}

// NewPromptNotFound 创建提示不存在错误
func NewPromptNotFound(sessionID, promptID string) error {
	return &BrokerError{Reason: ReasonPromptNotFound, SessionID: sessionID, PromptID: promptID}
}

// NewDeliveryFailure 创建送达失败错误
func NewDeliveryFailure(sessionID, promptID string) error {
	return &BrokerError{Reason: ReasonDeliveryFailure, SessionID: sessionID, PromptID: promptID}
}

// NewInvalidDecision 创建非法决定错误
func NewInvalidDecision(err error) error {
	return &BrokerError{Reason: ReasonInvalidDecision, Err: err}
}

// ClassifyError 分类错误
func ClassifyError(err error) ErrorReason {
	if err == nil {
		return ReasonUnknown
	}
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Reason
	}
	return ReasonUnknown
}

// IsNotFound reports whether err means the target session or prompt no longer exists.
// Callers racing a timeout or another resolver treat this as benign.
func IsNotFound(err error) bool {
	switch ClassifyError(err) {
	case ReasonSessionNotFound, ReasonPromptNotFound:
		return true
	}
	return false
}
