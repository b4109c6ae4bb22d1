package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind classifies failures for retry decisions and user messaging.
type ErrorKind string

const (
	KindSigning             ErrorKind = "signing"
	KindAuth                ErrorKind = "auth"
	KindTransport           ErrorKind = "transport"
	KindRateLimit           ErrorKind = "rate_limit"
	KindMalformedResponse   ErrorKind = "malformed_response"
	KindCredentialNotFound  ErrorKind = "credential_not_found"
	KindDecryption          ErrorKind = "decryption"
	KindAccountNotFound     ErrorKind = "account_not_found"
	KindUnsupportedProvider ErrorKind = "unsupported_provider"
	KindInvalidInput        ErrorKind = "invalid_input"
)

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrSigning             = &Error{Kind: KindSigning}
	ErrAuth                = &Error{Kind: KindAuth}
	ErrTransport           = &Error{Kind: KindTransport}
	ErrRateLimit           = &Error{Kind: KindRateLimit}
	ErrMalformedResponse   = &Error{Kind: KindMalformedResponse}
	ErrCredentialNotFound  = &Error{Kind: KindCredentialNotFound}
	ErrDecryption          = &Error{Kind: KindDecryption}
	ErrAccountNotFound     = &Error{Kind: KindAccountNotFound}
	ErrUnsupportedProvider = &Error{Kind: KindUnsupportedProvider}
	ErrInvalidInput        = &Error{Kind: KindInvalidInput}
)

// ErrCacheMiss is internal to the cache and never returned to callers.
var ErrCacheMiss = errors.New("cache miss")

// Error is a classified failure.
type Error struct {
	Kind     ErrorKind
	Provider CloudProvider
	Op       string
	// Status is the HTTP status of the provider response, if there was one.
	Status int
	// Code is the provider's error code, if it sent one.
	Code       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(string(e.Provider))
		b.WriteString(": ")
	}
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " [%s]", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewError builds an Error of the given kind.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an Error of the given kind with a formatted message.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether err is worth retrying without user action.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindRateLimit:
		return true
	}
	return false
}

// RetryAfterHint returns a provider supplied delay, if any.
func RetryAfterHint(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

var userMessages = map[ErrorKind]string{
	KindSigning:             "The stored credentials could not be used to sign the request.",
	KindAuth:                "The cloud provider rejected the credentials.",
	KindTransport:           "The cloud provider could not be reached. Try again later.",
	KindRateLimit:           "The cloud provider is throttling requests. Try again later.",
	KindMalformedResponse:   "The cloud provider returned an unexpected response.",
	KindCredentialNotFound:  "No credentials are stored for this account.",
	KindDecryption:          "The stored credentials could not be decrypted.",
	KindAccountNotFound:     "Account not found.",
	KindUnsupportedProvider: "This cloud provider is not supported.",
	KindInvalidInput:        "The request is invalid.",
}

// UserMessage is the one message shown to users for errors of kind k.
func (k ErrorKind) UserMessage() string {
	if msg, ok := userMessages[k]; ok {
		return msg
	}
	return "An unexpected error occurred."
}
