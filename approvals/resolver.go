package approvals

import (
	"context"

	"github.com/smallnest/permgate/bus"
	"github.com/smallnest/permgate/internal/logger"
	"github.com/smallnest/permgate/permission"
	"github.com/smallnest/permgate/types"
	"go.uber.org/zap"
)

// Resolver delivers decisions to pending prompts.
type Resolver interface {
	Resolve(sessionID, promptID string, d permission.Decision) error
}

// AutoResolver answers prompts on the global channel that the policy matches.
type AutoResolver struct {
	store    *Store
	resolver Resolver
	bus      *bus.EventBus
}

// NewAutoResolver 创建自动审批器
func NewAutoResolver(store *Store, resolver Resolver, eventBus *bus.EventBus) *AutoResolver {
	return &AutoResolver{store: store, resolver: resolver, bus: eventBus}
}

// Run consumes prompt events until ctx is done or the bus closes.
func (a *AutoResolver) Run(ctx context.Context) {
	sub := a.bus.Subscribe(permission.GlobalChannel)
	defer sub.Unsubscribe()

	logger.Info("Approval auto-resolver started", zap.String("policy", a.store.Path()))
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			prompt, ok := evt.Payload.(permission.PromptEvent)
			if !ok {
				continue
			}
			a.Handle(prompt)
		}
	}
}

// Handle applies the policy to one prompt and returns the verdict applied.
// VerdictNone leaves the prompt for the UI.
func (a *AutoResolver) Handle(prompt permission.PromptEvent) Verdict {
	policy := a.store.Policy()
	verdict, matched := policy.Evaluate(prompt.ToolName, prompt.Input)

	var decision permission.Decision
	switch verdict {
	case VerdictAllow:
		decision = permission.Allow(nil)
	case VerdictDeny:
		decision = permission.Deny(policy.Message())
	default:
		return VerdictNone
	}

	err := a.resolver.Resolve(prompt.SessionID, prompt.PromptID, decision)
	if err != nil {
		// another resolver, a timeout or a stop got there first
		if types.IsNotFound(err) {
			logger.Debug("Auto-resolve skipped, prompt no longer pending",
				zap.String("session_id", prompt.SessionID),
				zap.String("prompt_id", prompt.PromptID),
				zap.Error(err))
		} else {
			logger.Warn("Auto-resolve failed",
				zap.String("session_id", prompt.SessionID),
				zap.String("prompt_id", prompt.PromptID),
				zap.Error(err))
		}
		return VerdictNone
	}

	logger.Info("Prompt auto-resolved by policy",
		zap.String("session_id", prompt.SessionID),
		zap.String("prompt_id", prompt.PromptID),
		zap.String("tool_name", prompt.ToolName),
		zap.String("verdict", string(verdict)),
		zap.String("rule", matched))
	return verdict
}
