package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies failures of a gateway call.
type ErrorKind int

const (
	KindTransport ErrorKind = iota
	KindHTTPStatus
	KindDecode
	KindAuthRejected
	KindRetryExhausted
	KindRateLimited
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindHTTPStatus:
		return "http_status"
	case KindDecode:
		return "decode"
	case KindAuthRejected:
		return "auth_rejected"
	case KindRetryExhausted:
		return "retry_exhausted"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

var (
	// ErrUnauthorized matches any error carrying HTTP 401.
	ErrUnauthorized   = errors.New("unauthorized")
	ErrAuthRejected   = errors.New("authentication rejected")
	ErrRetryExhausted = errors.New("authentication retries exhausted")
	// ErrRateLimited is returned for NoWait requests whose bucket is empty.
	ErrRateLimited = errors.New("rate limited")
)

type Error struct {
	Kind       ErrorKind
	Method     string
	Endpoint   string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindHTTPStatus:
		return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Endpoint, e.StatusCode, e.Body)
	case KindAuthRejected, KindRetryExhausted:
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Kind, e.Err)
		}
		return e.Kind.String()
	default:
		return fmt.Sprintf("%s %s: %s: %v", e.Method, e.Endpoint, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrAuthRejected:
		return e.Kind == KindAuthRejected
	case ErrRetryExhausted:
		return e.Kind == KindRetryExhausted
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	}
	return false
}

// NewAuthError builds the auth-loop outcome errors; cause may be nil.
func NewAuthError(kind ErrorKind, cause error) *Error {
	return &Error{Kind: kind, Endpoint: EndpointAuthStatus, Err: cause}
}

// KindOf returns the kind of a gateway error, or KindTransport for foreign errors.
func KindOf(err error) ErrorKind {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return KindTransport
}
