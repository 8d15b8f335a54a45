package errkind

import (
	"context"
	"errors"
	"fmt"
)

// Kind 错误类别，由协作方边界根据原生错误码映射而来
type Kind uint8

const (
	Unknown Kind = iota
	Cancelled
	PermissionDenied
	Validation
	NotFound
	Conflict
	Unavailable
	Timeout
	Expired
)

var kindNames = map[Kind]string{
	Unknown:          "unknown",
	Cancelled:        "cancelled",
	PermissionDenied: "permission_denied",
	Validation:       "validation",
	NotFound:         "not_found",
	Conflict:         "conflict",
	Unavailable:      "unavailable",
	Timeout:          "timeout",
	Expired:          "expired",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error 带类别的错误
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// E 构造一个带类别的错误，err 可以为 nil
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Of 解析错误链上的类别
func Of(err error) Kind {
	if err == nil {
		return Unknown
	}
	var ke *Error
	if errors.As(err, &ke) && ke.Kind != Unknown {
		return ke.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Cancelled
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	}
	return Unknown
}

// Is 判断错误是否属于某个类别
func Is(err error, kind Kind) bool {
	return err != nil && Of(err) == kind
}

// Retryable 用户取消、权限、本地校验类错误以及终态错误都不重试
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch Of(err) {
	case Cancelled, PermissionDenied, Validation, NotFound, Conflict, Expired:
		return false
	default:
		return true
	}
}
