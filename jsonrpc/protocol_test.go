package jsonrpc

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestMethodRegistryCallNilHandlerShouldNotPanic(t *testing.T) {
	r := NewMethodRegistry()
	r.Register("m", nil)

	defer func() {
		if rec := recover(); rec != nil {
			t.Fatalf("calling nil method handler should return error, got panic: %v", rec)
		}
	}()

	if _, err := r.Call("m", "c1", nil); err == nil {
		t.Fatalf("expected error for nil method handler")
	}
}

func TestMethodRegistryUnknownMethod(t *testing.T) {
	r := NewMethodRegistry()

	_, err := r.Call("missing", "c1", nil)
	var mnf *MethodNotFoundError
	if !errors.As(err, &mnf) || mnf.Method != "missing" {
		t.Fatalf("expected MethodNotFoundError, got %v", err)
	}
}

func TestParseRequestRejectsWhitespaceMethod(t *testing.T) {
	data := []byte(`{"jsonrpc":"2.0","id":"1","method":"   ","params":{}}`)

	if _, err := ParseRequest(data); err == nil {
		t.Fatalf("expected parse request to reject whitespace-only method")
	}
}

func TestParseRequestRejectsWrongVersion(t *testing.T) {
	if _, err := ParseRequest([]byte(`{"jsonrpc":"1.0","id":1,"method":"ping"}`)); err == nil {
		t.Fatalf("expected version check to fail")
	}
}

func TestRequestIDPreservedAndNormalized(t *testing.T) {
	req, err := ParseRequest([]byte(`{"jsonrpc":"2.0","id":7,"method":"tools/list"}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if req.IDString() != "7" {
		t.Fatalf("expected numeric id normalized to \"7\", got %q", req.IDString())
	}

	out, _ := json.Marshal(NewSuccessResponse(req.ID, map[string]interface{}{}))
	if string(out) != `{"jsonrpc":"2.0","id":7,"result":{}}` {
		t.Fatalf("expected numeric id echoed verbatim, got %s", out)
	}
}

func TestRequestNotification(t *testing.T) {
	req, err := ParseRequest([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !req.IsNotification() || req.IDString() != "" {
		t.Fatalf("expected notification without id")
	}

	nullID, _ := ParseRequest([]byte(`{"jsonrpc":"2.0","id":null,"method":"x"}`))
	if !nullID.IsNotification() {
		t.Fatalf("expected null id to count as notification")
	}
}

func TestDecodeParams(t *testing.T) {
	var p struct {
		SessionID string `json:"session_id"`
	}
	if err := DecodeParams(nil, &p); err != nil {
		t.Fatalf("empty params should decode, got %v", err)
	}
	if err := DecodeParams(json.RawMessage(`{"session_id":"s1"}`), &p); err != nil || p.SessionID != "s1" {
		t.Fatalf("unexpected decode result: %+v err=%v", p, err)
	}

	err := DecodeParams(json.RawMessage(`[1,2]`), &p)
	var ip *InvalidParamsError
	if !errors.As(err, &ip) {
		t.Fatalf("expected InvalidParamsError, got %v", err)
	}
}

func TestErrorResponseHasNullIDWhenUnknown(t *testing.T) {
	out, _ := json.Marshal(NewErrorResponse(nil, ErrorParseError, "Parse error"))
	if string(out) != `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Parse error"}}` {
		t.Fatalf("unexpected encoding: %s", out)
	}
}
