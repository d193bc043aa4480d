package gateway

import (
	"github.com/smallnest/permgate/bus"
	"github.com/smallnest/permgate/permission"
)

// NotificationPrompt is the JSON-RPC method of prompt notifications.
const NotificationPrompt = "permission.prompt"

// PromptNotification 推送给 UI 的权限请求通知
type PromptNotification struct {
	Channel string                 `json:"channel"`
	Prompt  permission.PromptEvent `json:"prompt"`
}

// BusNotifier publishes broker prompt events onto the event bus, where
// gateway connections and the auto-resolver pick them up.
type BusNotifier struct {
	bus *bus.EventBus
}

// NewBusNotifier 创建总线通知器
func NewBusNotifier(eventBus *bus.EventBus) *BusNotifier {
	return &BusNotifier{bus: eventBus}
}

// Notify implements permission.Notifier.
func (n *BusNotifier) Notify(channel string, event permission.PromptEvent) error {
	_, err := n.bus.Publish(channel, event)
	return err
}
