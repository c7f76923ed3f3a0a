package enrichment

import (
	"context"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrorClass categorizes an enrichment failure
type ErrorClass string

const (
	ClassAuth             ErrorClass = "auth"
	ClassRateLimit        ErrorClass = "rate_limit"
	ClassTimeout          ErrorClass = "timeout"
	ClassQuotaExceeded    ErrorClass = "quota_exceeded"
	ClassNotFound         ErrorClass = "not_found"
	ClassModelUnavailable ErrorClass = "model_unavailable"
	ClassNetwork          ErrorClass = "network"
	ClassDNS              ErrorClass = "dns"
	ClassServerError      ErrorClass = "server_error"
	ClassInvalidInput     ErrorClass = "invalid_input"
	ClassUnknown          ErrorClass = "unknown"
)

// Scope says how far a failure reaches
type Scope int

const (
	// ScopeItem fails the item; the job carries on
	ScopeItem Scope = iota
	// ScopeTransient may succeed if the item is tried again later
	ScopeTransient
	// ScopeJob will fail every remaining item the same way, so the job is aborted
	ScopeJob
)

func (s Scope) String() string {
	switch s {
	case ScopeTransient:
		return "transient"
	case ScopeJob:
		return "job"
	default:
		return "item"
	}
}

// Scope returns the reach of failures in this class
func (c ErrorClass) Scope() Scope {
	switch c {
	case ClassRateLimit, ClassTimeout, ClassNetwork, ClassDNS, ClassServerError:
		return ScopeTransient
	case ClassAuth, ClassQuotaExceeded, ClassNotFound, ClassModelUnavailable:
		return ScopeJob
	default:
		return ScopeItem
	}
}

// Error is a classified enrichment failure
type Error struct {
	Class   ErrorClass
	Message string
	Err     error
}

// NewError wraps err with a class
func NewError(class ErrorClass, err error) *Error {
	e := &Error{Class: class, Err: err}
	if err != nil {
		e.Message = err.Error()
	}
	return e
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Class)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify maps any error returned by a Client onto the taxonomy. Errors already
// classified by an adapter keep their class; transport errors are recognized by type;
// everything else falls back to message heuristics and finally ClassUnknown.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewError(ClassTimeout, err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return NewError(ClassDNS, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError(ClassTimeout, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return NewError(ClassNetwork, err)
	}

	return NewError(classifyMessage(err.Error()), err)
}

// ClassifyStatus maps an HTTP status returned by a provider API. The message is used to
// tell quota exhaustion from plain throttling and missing models from missing resources.
func ClassifyStatus(status int, message string) ErrorClass {
	lower := strings.ToLower(message)
	switch {
	case status == 401 || status == 403:
		return ClassAuth
	case status == 429:
		if strings.Contains(lower, "quota") || strings.Contains(lower, "credit") || strings.Contains(lower, "billing") {
			return ClassQuotaExceeded
		}
		return ClassRateLimit
	case status == 402:
		return ClassQuotaExceeded
	case status == 404:
		if strings.Contains(lower, "model") {
			return ClassModelUnavailable
		}
		return ClassNotFound
	case status == 408 || status == 504:
		return ClassTimeout
	case status == 400 || status == 413 || status == 422:
		return ClassInvalidInput
	case status >= 500:
		return ClassServerError
	}
	return ClassUnknown
}

var statusPattern = regexp.MustCompile(`(?i)(?:error|status)[\s:]+(\d{3})\b`)

func classifyMessage(msg string) ErrorClass {
	if m := statusPattern.FindStringSubmatch(msg); len(m) == 2 {
		if code, err := strconv.Atoi(m[1]); err == nil {
			if class := ClassifyStatus(code, msg); class != ClassUnknown {
				return class
			}
		}
	}

	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "RESOURCE_EXHAUSTED"), strings.Contains(lower, "quota"):
		return ClassQuotaExceeded
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "too many requests"):
		return ClassRateLimit
	case strings.Contains(msg, "UNAUTHENTICATED"), strings.Contains(msg, "PERMISSION_DENIED"),
		strings.Contains(lower, "invalid api key"), strings.Contains(lower, "unauthorized"):
		return ClassAuth
	case strings.Contains(lower, "no such host"):
		return ClassDNS
	case strings.Contains(lower, "connection refused"), strings.Contains(lower, "connection reset"),
		strings.Contains(lower, "broken pipe"), strings.Contains(lower, "eof"):
		return ClassNetwork
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "deadline exceeded"):
		return ClassTimeout
	case strings.Contains(lower, "overloaded"), strings.Contains(msg, "UNAVAILABLE"):
		return ClassServerError
	}
	return ClassUnknown
}
