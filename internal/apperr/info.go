package apperr

import "errors"

// Info はジョブレコードやキャッシュに保存するエラー情報です。
type Info struct {
	Code     Kind             `json:"code"`
	Stage    string           `json:"stage,omitempty"`
	Message  string           `json:"message"`
	Failures []BackendFailure `json:"failures,omitempty"`
}

// ToInfo はエラーを保存用の形に変換します。
func ToInfo(err error) *Info {
	if err == nil {
		return nil
	}
	var appErr *Error
	if !errors.As(err, &appErr) {
		return &Info{Code: KindInternal, Message: err.Error()}
	}
	msg := appErr.Message
	if appErr.Cause != nil {
		if msg == "" {
			msg = appErr.Cause.Error()
		} else {
			msg = msg + ": " + appErr.Cause.Error()
		}
	}
	return &Info{
		Code:     appErr.Kind,
		Stage:    appErr.Stage,
		Message:  msg,
		Failures: append([]BackendFailure(nil), appErr.Failures...),
	}
}

// Err は保存済みのエラー情報を Error に戻します。
func (i *Info) Err() error {
	if i == nil {
		return nil
	}
	return &Error{
		Kind:     i.Code,
		Stage:    i.Stage,
		Message:  i.Message,
		Failures: append([]BackendFailure(nil), i.Failures...),
	}
}
