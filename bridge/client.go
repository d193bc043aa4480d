package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/smallnest/permgate/permission"
	"github.com/tidwall/gjson"
)

const maxDecisionBytes = 10 * 1024 * 1024

// askBroker posts one request to the session endpoint and returns the
// decision body, compacted, once it has been checked to be a decision.
func (s *Server) askBroker(ctx context.Context, body permission.Request) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxDecisionBytes))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("permission server returned status %d", resp.StatusCode)
	}
	return checkDecision(raw)
}

// checkDecision accepts only {"behavior":"allow"|"deny",...} bodies.
func checkDecision(raw []byte) (string, error) {
	if !gjson.ValidBytes(raw) {
		return "", fmt.Errorf("invalid JSON from permission server")
	}
	behavior := gjson.GetBytes(raw, "behavior")
	if behavior.Type != gjson.String {
		return "", fmt.Errorf("decision has no behavior")
	}
	switch permission.Behavior(behavior.Str) {
	case permission.BehaviorAllow, permission.BehaviorDeny:
	default:
		return "", fmt.Errorf("unknown behavior %q", behavior.Str)
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", err
	}
	return buf.String(), nil
}
