package engine

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/basket/clawrelay/internal/agent"
)

// ErrQueryTimeout is returned when a backend stream does not complete within
// the configured query timeout.
var ErrQueryTimeout = errors.New("query timed out")

// ErrorClass categorizes backend errors for retry decisions and the text
// shown to the user.
type ErrorClass string

const (
	// ErrorClassStaleSession indicates the backend no longer knows the resume id.
	ErrorClassStaleSession ErrorClass = "STALE_SESSION"

	// ErrorClassAuth indicates authentication/authorization failures (401, invalid key).
	ErrorClassAuth ErrorClass = "AUTH"

	// ErrorClassRateLimit indicates rate limiting or quota exhaustion (429).
	ErrorClassRateLimit ErrorClass = "RATE_LIMIT"

	// ErrorClassTimeout indicates the query ran past its deadline.
	ErrorClassTimeout ErrorClass = "TIMEOUT"

	// ErrorClassBilling indicates billing or payment issues.
	ErrorClassBilling ErrorClass = "BILLING"

	// ErrorClassContextOverflow indicates the prompt exceeded the model's context window.
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"

	// ErrorClassUnknown is the default for unrecognized errors.
	ErrorClassUnknown ErrorClass = "UNKNOWN"
)

// ClassifyError categorizes a backend error. Typed errors are checked
// first; otherwise the message is matched against known patterns and the
// most specific ErrorClass wins.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, agent.ErrSessionNotFound) {
		return ErrorClassStaleSession
	}
	if errors.Is(err, ErrQueryTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	var authErr *agent.AuthenticationError
	if errors.As(err, &authErr) {
		return ErrorClassAuth
	}

	msg := strings.ToLower(err.Error())

	if agent.IsStaleSessionText(msg) {
		return ErrorClassStaleSession
	}

	status := httpStatuses(msg)

	// Auth errors: 401, unauthorized, invalid key, forbidden, 403.
	if status["401"] || status["403"] ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid key") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "please run /login") ||
		strings.Contains(msg, "forbidden") {
		return ErrorClassAuth
	}

	// Rate limit: 429, rate limit, quota exceeded, too many requests, overloaded.
	if status["429"] ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "overloaded") {
		return ErrorClassRateLimit
	}

	// Timeout: deadline exceeded, timeout, timed out.
	if strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") {
		return ErrorClassTimeout
	}

	// Billing: billing, payment, credit balance.
	if strings.Contains(msg, "billing") ||
		strings.Contains(msg, "payment") ||
		strings.Contains(msg, "credit balance") ||
		strings.Contains(msg, "insufficient funds") {
		return ErrorClassBilling
	}

	// Context overflow: prompt too long, context window.
	if strings.Contains(msg, "prompt is too long") ||
		strings.Contains(msg, "context_length") ||
		strings.Contains(msg, "context length") ||
		strings.Contains(msg, "maximum context") ||
		strings.Contains(msg, "context window") {
		return ErrorClassContextOverflow
	}

	return ErrorClassUnknown
}

// statusPattern matches a three digit code only where it reads as an HTTP
// status: at the start of the text or after error, status, code or http.
// Digits inside session ids, request ids or pids never match.
var statusPattern = regexp.MustCompile(`(?:^|\b(?:error|status|code|http(?:/\d(?:\.\d)?)?))[\s:=(]*(\d{3})\b`)

func httpStatuses(msg string) map[string]bool {
	out := make(map[string]bool)
	for _, m := range statusPattern.FindAllStringSubmatch(msg, -1) {
		out[m[1]] = true
	}
	return out
}

const (
	MessageGeneric = "Sorry, I encountered an unexpected error. Please try again or start a new conversation."
	MessageTimeout = "⏱️ Sorry, that took too long and the request timed out. Please try a simpler question or break it into smaller parts."
	MessageStale   = "Sorry, I couldn't restore or restart this conversation's session. Please try again in a new thread."
	MessageAuth    = "Sorry, I can't reach the AI backend right now because it rejected my credentials. Please let an administrator know."
	MessageLimited = "Sorry, the AI backend is busy right now. Please try again in a minute."
	MessageBilling = "Sorry, the AI backend account needs attention before I can answer. Please let an administrator know."
	MessageTooLong = "Sorry, this conversation has grown too long for me to continue. Please start a new thread."
	MessageGreet   = "Hello! How can I help you?"
)

// UserMessage is the chat text shown for a failed turn of the given class.
func UserMessage(class ErrorClass) string {
	switch class {
	case ErrorClassTimeout:
		return MessageTimeout
	case ErrorClassStaleSession:
		return MessageStale
	case ErrorClassAuth:
		return MessageAuth
	case ErrorClassRateLimit:
		return MessageLimited
	case ErrorClassBilling:
		return MessageBilling
	case ErrorClassContextOverflow:
		return MessageTooLong
	default:
		return MessageGeneric
	}
}
