package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorReason
	}{
		{
			name: "bind",
			err:  NewBindError("s1", errors.New("address in use")),
			want: ReasonBind,
		},
		{
			name: "session not found",
			err:  NewSessionNotFound("ghost"),
			want: ReasonSessionNotFound,
		},
		{
			name: "wrapped prompt not found",
			err:  fmt.Errorf("resolve: %w", NewPromptNotFound("s1", "p1")),
			want: ReasonPromptNotFound,
		},
		{
			name: "delivery failure",
			err:  NewDeliveryFailure("s1", "p1"),
			want: ReasonDeliveryFailure,
		},
		{
			name: "plain error",
			err:  errors.New("random failure"),
			want: ReasonUnknown,
		},
		{
			name: "nil",
			err:  nil,
			want: ReasonUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyError(tc.err); got != tc.want {
				t.Fatalf("ClassifyError() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestBrokerErrorIsMatchesByReason(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewPromptNotFound("s1", "p1"))

	if !errors.Is(err, ErrPromptNotFound) {
		t.Fatalf("expected errors.Is to match ErrPromptNotFound")
	}
	if errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("prompt-not-found must not match ErrSessionNotFound")
	}
}

func TestBindErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("no ports")
	err := NewBindError("s1", cause)

	if !errors.Is(err, cause) {
		t.Fatalf("expected bind error to unwrap to its cause")
	}
	if !errors.Is(err, ErrBind) {
		t.Fatalf("expected bind error to match ErrBind")
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(NewSessionNotFound("a")) || !IsNotFound(NewPromptNotFound("a", "b")) {
		t.Fatalf("expected not-found reasons to be reported")
	}
	if IsNotFound(NewDeliveryFailure("a", "b")) {
		t.Fatalf("delivery failure is not a not-found error")
	}
}
