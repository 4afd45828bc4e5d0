package allocator

import "fmt"

// Kind classifies allocation failures. The API layer maps each kind to an
// HTTP status, so the set is closed.
type Kind string

const (
	KindInvalidInput       Kind = "invalid_input"
	KindInvalidDestination Kind = "invalid_destination"
	KindRateLimited        Kind = "rate_limited"
	KindNoneAvailable      Kind = "none_available"
	KindUnavailable        Kind = "unavailable"
	KindConflict           Kind = "conflict"
)

// Error is the allocation failure type. RetryAfter is only set for
// rate-limited failures.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func invalidInput(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidInput, Message: fmt.Sprintf(format, args...)}
}

func invalidDestination(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidDestination, Message: fmt.Sprintf(format, args...)}
}

func rateLimited(agent string, retryAfter int) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Message:    fmt.Sprintf("agent %s exceeded the allocation rate limit", agent),
		RetryAfter: retryAfter,
	}
}

func noneAvailable(campaign string) *Error {
	return &Error{
		Kind:    KindNoneAvailable,
		Message: fmt.Sprintf("no caller-ID available for campaign %s", campaign),
	}
}

func unavailable(err error) *Error {
	return &Error{Kind: KindUnavailable, Message: err.Error()}
}
