package service

import (
	"fmt"
	"net/http"
)

// Error 是可直接映射到 HTTP 状态码的请求级错误。
// 400 表示客户端可修正的契约违规，410 表示上传已过期。
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// BadRequestf 构造 400 错误。
func BadRequestf(format string, args ...any) *Error {
	return &Error{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// Gonef 构造 410 错误，表示上传超过有效期。
func Gonef(format string, args ...any) *Error {
	return &Error{Status: http.StatusGone, Message: fmt.Sprintf(format, args...)}
}
