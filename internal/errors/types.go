// Package errors defines the user-visible error taxonomy shared by the
// workflow engine, the gateways, and the HTTP surface.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers and for terminal events.
type Kind string

const (
	KindInvalidInput   Kind = "INVALID_INPUT"
	KindNotFound       Kind = "NOT_FOUND"
	KindLLMUnavailable Kind = "LLM_UNAVAILABLE"
	KindSearchDegraded Kind = "SEARCH_DEGRADED"
	KindTimeout        Kind = "TIMEOUT"
	KindNoProgress     Kind = "NO_PROGRESS"
	KindCancelled      Kind = "CANCELLED"
	KindInternal       Kind = "INTERNAL"
)

// Error carries a Kind plus the workflow stage it arose in, if any.
type Error struct {
	Kind    Kind
	Stage   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s (stage=%s)", e.Kind, msg, e.Stage)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and message, preserving the chain.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// AtStage returns a copy of e tagged with the workflow stage it arose in.
func (e *Error) AtStage(stage string) *Error {
	cp := *e
	cp.Stage = stage
	return &cp
}

// KindOf extracts the Kind from err, mapping context errors to their
// taxonomy equivalents. Unknown errors are INTERNAL.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// StageOf extracts the workflow stage recorded on err, or "" when err does
// not carry one.
func StageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage
	}
	return ""
}

// Message returns the bare message of err without the kind/stage prefix,
// suitable for API response bodies.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" {
			return e.Message
		}
		if e.Err != nil {
			return e.Err.Error()
		}
	}
	return err.Error()
}

// FromContext converts a context error into a taxonomy error. A nil or
// non-context error is wrapped as INTERNAL.
func FromContext(err error) *Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(KindTimeout, err, "deadline exceeded")
	case errors.Is(err, context.Canceled):
		return Wrap(KindCancelled, err, "cancelled")
	default:
		return Wrap(KindInternal, err, "unexpected context state")
	}
}

// HTTPStatus maps a kind to the status code the HTTP surface responds with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindCancelled:
		return http.StatusConflict
	case KindLLMUnavailable, KindSearchDegraded:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// userMessages holds the per-language text surfaced on terminal error events.
var userMessages = map[Kind]map[string]string{
	KindInvalidInput: {
		"en": "The request did not validate.",
		"ko": "요청이 유효하지 않습니다.",
	},
	KindNotFound: {
		"en": "Unknown research session.",
		"ko": "알 수 없는 리서치 세션입니다.",
	},
	KindLLMUnavailable: {
		"en": "The language model backend is unavailable.",
		"ko": "언어 모델 백엔드를 사용할 수 없습니다.",
	},
	KindSearchDegraded: {
		"en": "Web search is unavailable; continuing without sources.",
		"ko": "웹 검색을 사용할 수 없어 출처 없이 계속합니다.",
	},
	KindTimeout: {
		"en": "The operation exceeded its time budget.",
		"ko": "작업이 제한 시간을 초과했습니다.",
	},
	KindNoProgress: {
		"en": "Research ended without producing any findings.",
		"ko": "리서치가 아무런 결과 없이 종료되었습니다.",
	},
	KindCancelled: {
		"en": "The research session was cancelled.",
		"ko": "리서치 세션이 취소되었습니다.",
	},
	KindInternal: {
		"en": "An internal error occurred.",
		"ko": "내부 오류가 발생했습니다.",
	},
}

// UserMessage returns the localised text for a kind. Unknown languages fall
// back to English.
func UserMessage(kind Kind, language string) string {
	msgs, ok := userMessages[kind]
	if !ok {
		msgs = userMessages[KindInternal]
	}
	if msg, ok := msgs[language]; ok {
		return msg
	}
	return msgs["en"]
}
