package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// 错误码对应处理策略：4xx 同步返回给调用方，5xx/502 进入任务层重试
const (
	CodeValidation  = http.StatusBadRequest
	CodeNotFound    = http.StatusNotFound
	CodePayload     = http.StatusRequestEntityTooLarge
	CodeRateLimit   = http.StatusTooManyRequests
	CodePersistence = http.StatusInternalServerError
	CodeUpstream    = http.StatusBadGateway
)

// Error is a coded error. Code doubles as the HTTP status for the sync path.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two coded errors by code, so sentinel checks like
// errors.Is(err, ErrNotFound) work across wrapped instances.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

var (
	ErrValidation  = &Error{Code: CodeValidation, Message: "invalid request"}
	ErrNotFound    = &Error{Code: CodeNotFound, Message: "not found"}
	ErrPayload     = &Error{Code: CodePayload, Message: "payload too large"}
	ErrRateLimit   = &Error{Code: CodeRateLimit, Message: "too many requests"}
	ErrPersistence = &Error{Code: CodePersistence, Message: "persistence failure"}
	ErrUpstream    = &Error{Code: CodeUpstream, Message: "upstream failure"}
)

func WithCode(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

func WithCodef(code int, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(code int, err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

func Validationf(format string, args ...interface{}) *Error {
	return WithCodef(CodeValidation, format, args...)
}

func NotFoundf(format string, args ...interface{}) *Error {
	return WithCodef(CodeNotFound, format, args...)
}

func Upstreamf(format string, args ...interface{}) *Error {
	return WithCodef(CodeUpstream, format, args...)
}

// StatusCode maps any error to an HTTP status; uncoded errors are 500.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return http.StatusInternalServerError
}

// GetMessage returns the coded message, falling back to err.Error().
func GetMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// Retryable reports whether the job layer should retry the error.
// 校验/404/限流类错误重试没有意义。
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code >= http.StatusInternalServerError
	}
	return true
}
