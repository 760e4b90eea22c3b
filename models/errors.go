package models

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
)

// ErrorKind classifies a failure for attempt logs and metrics labels.
type ErrorKind string

const (
	KindNone                ErrorKind = ""
	KindSanitization        ErrorKind = "sanitization"
	KindServerNotAllowed    ErrorKind = "server_not_allowed"
	KindPlatformUnsupported ErrorKind = "platform_unsupported"
	KindNetworkUnavailable  ErrorKind = "network_unavailable"
	KindTimeout             ErrorKind = "timeout"
	KindServerUnreachable   ErrorKind = "server_unreachable"
	KindInvalidResponse     ErrorKind = "invalid_response"
	KindNoTxtRecords        ErrorKind = "no_txt_records"
	KindIncompleteMultipart ErrorKind = "incomplete_multipart"
	KindConflictingPart     ErrorKind = "conflicting_part"
	KindAllMethodsFailed    ErrorKind = "all_methods_failed"
	KindCancelled           ErrorKind = "cancelled"
	KindUnknown             ErrorKind = "unknown"
)

var (
	ErrServerNotAllowed    = errors.New("dns server not allowed")
	ErrPlatformUnsupported = errors.New("transport method unsupported on this platform")
	ErrNetworkUnavailable  = errors.New("network unavailable")
	ErrTimeout             = errors.New("query timed out")
	ErrServerUnreachable   = errors.New("dns server unreachable")
	ErrInvalidResponse     = errors.New("invalid dns response")
	ErrNoTxtRecords        = errors.New("no txt records in response")
	ErrIncompleteMultipart = errors.New("incomplete multipart response")
	ErrConflictingPart     = errors.New("conflicting multipart fragment")
	ErrCancelled           = errors.New("query cancelled")
)

type SanitizationReason int

const (
	EmptyMessage SanitizationReason = iota
	ControlCharacters
	MessageTooLong
	EmptyAfterSanitization
	LabelTooLong
)

func (r SanitizationReason) String() string {
	switch r {
	case EmptyMessage:
		return "EmptyMessage"
	case ControlCharacters:
		return "ControlCharacters"
	case MessageTooLong:
		return "MessageTooLong"
	case EmptyAfterSanitization:
		return "EmptyAfterSanitization"
	case LabelTooLong:
		return "LabelTooLong"
	}
	return fmt.Sprintf("SanitizationReason(%d)", int(r))
}

// SanitizationError is returned when a message cannot become a DNS label.
// It is never retried.
type SanitizationError struct {
	Reason SanitizationReason
	Msg    string
}

func (m *SanitizationError) Error() string {
	return fmt.Sprintf("invalid message: %s", m.Msg)
}

// IncompleteMultipartError reports a multipart answer with missing parts.
type IncompleteMultipartError struct {
	Received int
	Expected int
}

func (m *IncompleteMultipartError) Error() string {
	return fmt.Sprintf("incomplete multipart response: received %d of %d parts", m.Received, m.Expected)
}

func (m *IncompleteMultipartError) Is(target error) bool {
	return target == ErrIncompleteMultipart
}

// AllMethodsFailedError is the terminal error of a query: every
// configured transport method was tried and failed.
type AllMethodsFailedError struct {
	Server   string
	Tried    int
	Attempts []MethodAttempt
	Errs     []error
}

func (m *AllMethodsFailedError) Error() string {
	noun := "methods"
	if m.Tried == 1 {
		noun = "method"
	}
	msg := fmt.Sprintf("all %d %s failed for %s", m.Tried, noun, m.Server)
	if len(m.Errs) > 0 {
		msg = fmt.Sprintf("%s: %v", msg, m.Errs[len(m.Errs)-1])
	}
	return msg
}

func (m *AllMethodsFailedError) Unwrap() []error {
	return m.Errs
}

func invalidResponse(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidResponse, fmt.Sprintf(format, args...))
}

// KindOf maps an error returned anywhere in a query to its ErrorKind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var sanitizationErr *SanitizationError
	var allFailedErr *AllMethodsFailedError
	var netErr net.Error

	switch {
	case errors.As(err, &sanitizationErr):
		return KindSanitization
	case errors.As(err, &allFailedErr):
		return KindAllMethodsFailed
	case errors.Is(err, ErrServerNotAllowed):
		return KindServerNotAllowed
	case errors.Is(err, ErrPlatformUnsupported):
		return KindPlatformUnsupported
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrConflictingPart):
		return KindConflictingPart
	case errors.Is(err, ErrIncompleteMultipart):
		return KindIncompleteMultipart
	case errors.Is(err, ErrNoTxtRecords):
		return KindNoTxtRecords
	case errors.Is(err, ErrInvalidResponse):
		return KindInvalidResponse
	case errors.Is(err, ErrNetworkUnavailable), errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		return KindNetworkUnavailable
	case errors.Is(err, ErrServerUnreachable), errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return KindServerUnreachable
	case errors.As(err, &netErr) && netErr.Timeout():
		return KindTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return KindNoTxtRecords
		}
		return KindServerUnreachable
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			return KindServerUnreachable
		}
		return KindNetworkUnavailable
	}

	return KindUnknown
}

// UserMessage renders err as a single line suitable for showing to a
// person. Protocol details stay in the logs.
func UserMessage(err error, server string) string {
	if err == nil {
		return ""
	}

	var sanitizationErr *SanitizationError
	var allFailedErr *AllMethodsFailedError

	switch {
	case errors.As(err, &sanitizationErr):
		return strings.ToUpper(sanitizationErr.Msg[:1]) + sanitizationErr.Msg[1:]
	case errors.As(err, &allFailedErr):
		return fmt.Sprintf("Could not reach %s after trying %d transport methods", allFailedErr.Server, allFailedErr.Tried)
	case errors.Is(err, ErrServerNotAllowed):
		return fmt.Sprintf("DNS server %s is not allowed", server)
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return "The query was cancelled"
	}

	return fmt.Sprintf("Query to %s failed", server)
}
