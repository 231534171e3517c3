// Package agent talks to the conversational backend. A query yields a
// stream of typed events; a resume id the backend no longer knows fails
// with ErrSessionNotFound.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrSessionNotFound reports that the backend rejected a resume id.
var ErrSessionNotFound = errors.New("backend session not found")

// ErrBackendExit is matched by every *ExitError.
var ErrBackendExit = errors.New("backend exited")

// EventKind tags a stream event.
type EventKind int

const (
	EventSession EventKind = iota + 1
	EventContent
	EventCompletion
)

func (k EventKind) String() string {
	switch k {
	case EventSession:
		return "session"
	case EventContent:
		return "content"
	case EventCompletion:
		return "completion"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Usage is the token accounting reported with a completion.
type Usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheReadTokens     int `json:"cache_read_input_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens"`
}

// Completion closes a successful query.
type Completion struct {
	SessionID  string
	Turns      int
	CostUSD    float64
	DurationMS int64
	Result     string
	Model      string
	Usage      Usage
}

// Event is one item from a query stream. Exactly one of SessionID, Text or
// Completion is meaningful, selected by Kind.
type Event struct {
	Kind       EventKind
	SessionID  string
	Text       string
	Completion *Completion
}

// QueryRequest is one prompt, optionally resuming an earlier session.
type QueryRequest struct {
	Prompt   string
	ResumeID string
	// Stderr receives diagnostic lines from the backend as they arrive.
	Stderr func(line string)
}

// Stream yields events until io.EOF. Next honours ctx cancellation without
// stopping the underlying request; Close abandons the stream.
type Stream interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Querier starts backend queries.
type Querier interface {
	Query(ctx context.Context, req QueryRequest) (Stream, error)
}

// ExitError is a backend process that failed without a recognised cause.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Unwrap() error { return ErrBackendExit }

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("backend exited with code %d", e.Code)
	}
	return fmt.Sprintf("backend exited with code %d: %s", e.Code, e.Stderr)
}

// ResultError is an error result reported by the backend itself.
type ResultError struct {
	Subtype string
	Message string
}

func (e *ResultError) Error() string {
	if e.Message == "" {
		return "backend error: " + e.Subtype
	}
	return fmt.Sprintf("backend error (%s): %s", e.Subtype, e.Message)
}

// AuthenticationError means the backend could not authenticate.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string {
	return e.Message
}

var staleSessionSignatures = []string{
	"no conversation found with session id",
	"no conversation found",
	"session not found",
	"invalid session id",
}

// IsStaleSessionText reports whether backend output describes an unknown
// resume id.
func IsStaleSessionText(s string) bool {
	lower := strings.ToLower(s)
	for _, sig := range staleSessionSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

func isAuthenticationText(s string) bool {
	return strings.Contains(s, "Invalid API key") ||
		strings.Contains(s, "Please run /login") ||
		strings.Contains(strings.ToLower(s), "authentication_error")
}
