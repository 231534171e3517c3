package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/basket/clawrelay/internal/agent"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{
			name:     "nil error",
			err:      nil,
			expected: ErrorClassUnknown,
		},
		{
			name:     "wrapped session not found",
			err:      fmt.Errorf("attempt 1: %w", agent.ErrSessionNotFound),
			expected: ErrorClassStaleSession,
		},
		{
			name:     "stale signature in plain text",
			err:      errors.New("No conversation found with session ID: 1234"),
			expected: ErrorClassStaleSession,
		},
		{
			name:     "query timeout",
			err:      fmt.Errorf("%w after 110s", ErrQueryTimeout),
			expected: ErrorClassTimeout,
		},
		{
			name:     "context deadline",
			err:      context.DeadlineExceeded,
			expected: ErrorClassTimeout,
		},
		{
			name:     "typed auth error",
			err:      &agent.AuthenticationError{Message: "bad credentials"},
			expected: ErrorClassAuth,
		},
		{
			name:     "invalid api key",
			err:      errors.New("Invalid API key · Please run /login"),
			expected: ErrorClassAuth,
		},
		{
			name:     "401 unauthorized",
			err:      errors.New("HTTP 401 Unauthorized"),
			expected: ErrorClassAuth,
		},
		{
			name:     "429 rate limit",
			err:      errors.New("429 Too Many Requests"),
			expected: ErrorClassRateLimit,
		},
		{
			name:     "overloaded",
			err:      errors.New("API Error: 529 overloaded_error"),
			expected: ErrorClassRateLimit,
		},
		{
			name:     "timed out",
			err:      errors.New("connection timed out"),
			expected: ErrorClassTimeout,
		},
		{
			name:     "credit balance",
			err:      errors.New("Credit balance is too low"),
			expected: ErrorClassBilling,
		},
		{
			name:     "prompt too long",
			err:      errors.New("Prompt is too long"),
			expected: ErrorClassContextOverflow,
		},
		{
			name:     "backend exit",
			err:      &agent.ExitError{Code: 1, Stderr: "something went wrong"},
			expected: ErrorClassUnknown,
		},
		{
			name:     "status digits inside a session id",
			err:      &agent.ExitError{Code: 1, Stderr: "resume 9c4d4013-a429-4401-8403-1f2e3d4c5b6a failed: tool crashed"},
			expected: ErrorClassUnknown,
		},
		{
			name:     "status digits inside a pid",
			err:      &agent.ExitError{Code: 1, Stderr: "child pid 14290 exited\nworker 34017 gone"},
			expected: ErrorClassUnknown,
		},
		{
			name:     "api error status in stderr tail",
			err:      &agent.ExitError{Code: 1, Stderr: `API Error: 403 {"type":"error"}`},
			expected: ErrorClassAuth,
		},
		{
			name:     "status code rate limit",
			err:      errors.New("request failed with status code 429"),
			expected: ErrorClassRateLimit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyError(tt.err)
			if got != tt.expected {
				t.Errorf("ClassifyError(%v) = %s, want %s", tt.err, got, tt.expected)
			}
		})
	}
}

func TestUserMessage_DistinctTimeoutText(t *testing.T) {
	if UserMessage(ErrorClassTimeout) == UserMessage(ErrorClassUnknown) {
		t.Fatal("timeout must have its own message")
	}
	if UserMessage(ErrorClass("SOMETHING_NEW")) != MessageGeneric {
		t.Fatal("unknown classes fall back to the generic apology")
	}
}
