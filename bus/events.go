package bus

import (
	"strings"
	"time"
)

// Event 总线事件
type Event struct {
	ID        string      `json:"id"`
	Topic     string      `json:"topic"`   // permission-prompt, permission-prompt:<session_id>
	Payload   interface{} `json:"payload"` // 事件内容
	Timestamp time.Time   `json:"timestamp"`
}

// MatchTopic reports whether topic is selected by filter. An empty filter
// list selects every topic; a filter ending in "*" matches by prefix.
func MatchTopic(filters []string, topic string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f == topic {
			return true
		}
		if strings.HasSuffix(f, "*") && strings.HasPrefix(topic, strings.TrimSuffix(f, "*")) {
			return true
		}
	}
	return false
}
