package permission

import (
	"encoding/json"
	"testing"
)

func TestDecisionValidate(t *testing.T) {
	cases := []struct {
		name    string
		d       Decision
		wantErr bool
	}{
		{name: "plain allow", d: Allow(nil)},
		{name: "allow with input", d: Allow(json.RawMessage(`{"command":"ls"}`))},
		{name: "plain deny", d: Deny("")},
		{name: "deny with message", d: Deny("nope")},
		{name: "deny with null input", d: Decision{Behavior: BehaviorDeny, UpdatedInput: json.RawMessage("null")}},
		{name: "allow with message", d: Decision{Behavior: BehaviorAllow, Message: "x"}, wantErr: true},
		{name: "deny with input", d: Decision{Behavior: BehaviorDeny, UpdatedInput: json.RawMessage(`{}`)}, wantErr: true},
		{name: "allow with broken input", d: Allow(json.RawMessage(`{`)), wantErr: true},
		{name: "unknown behavior", d: Decision{Behavior: "ask"}, wantErr: true},
		{name: "empty", d: Decision{}, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.d.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestDecisionWireShape(t *testing.T) {
	allow, _ := json.Marshal(Allow(json.RawMessage(`{"a":1}`)))
	if string(allow) != `{"behavior":"allow","updatedInput":{"a":1}}` {
		t.Fatalf("unexpected allow encoding: %s", allow)
	}

	deny, _ := json.Marshal(Deny(MessageTimedOut))
	if string(deny) != `{"behavior":"deny","message":"Permission prompt timed out"}` {
		t.Fatalf("unexpected deny encoding: %s", deny)
	}
}

func TestSessionChannel(t *testing.T) {
	if got := SessionChannel("abc"); got != "permission-prompt:abc" {
		t.Fatalf("unexpected channel: %s", got)
	}
}
