// Package apperr はアプリケーション全体で共有するエラー種別を定義します。
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind は呼び出し側が分岐に使う安定したエラー種別です。
type Kind string

const (
	KindValidation           Kind = "VALIDATION_ERROR"
	KindBackendExhausted     Kind = "BACKEND_EXHAUSTED"
	KindAllBackendsExhausted Kind = "ALL_BACKENDS_EXHAUSTED"
	KindScheduling           Kind = "SCHEDULING_ERROR"
	KindCancelled            Kind = "CANCELLED"
	KindNotFound             Kind = "NOT_FOUND"
	KindAlreadyExists        Kind = "ALREADY_EXISTS"
	KindAlreadyInFlight      Kind = "ALREADY_IN_FLIGHT"
	KindInvalidState         Kind = "INVALID_STATE"
	KindInternal             Kind = "INTERNAL_ERROR"
)

// BackendFailure はバックエンド単位の失敗内容です。
type BackendFailure struct {
	Backend string `json:"backend"`
	Message string `json:"message"`
}

// Error はステージ名や試行結果を伴うアプリケーションエラーです。
type Error struct {
	Kind     Kind
	Stage    string
	Message  string
	JobID    string
	Failures []BackendFailure
	Cause    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Stage != "" {
		b.WriteString(" [")
		b.WriteString(e.Stage)
		b.WriteString("]")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New は原因を持たないエラーを作成します。
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf は書式付きメッセージでエラーを作成します。
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap は原因エラーを包んだエラーを作成します。
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf はエラーの種別を返します。分類されていないエラーは Internal 扱いです。
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind は err が指定種別かどうかを判定します。
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// WithStage はステージ名を付与したエラーを返します。既に付与済みなら上書きしません。
func WithStage(err error, stage string) error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		if appErr.Stage != "" {
			return err
		}
		cp := *appErr
		cp.Stage = stage
		return &cp
	}
	return &Error{Kind: KindInternal, Stage: stage, Message: "unexpected failure", Cause: err}
}

// JobIDOf はエラーに紐づくジョブIDを返します。
func JobIDOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.JobID
	}
	return ""
}
