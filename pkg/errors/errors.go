package errors

import (
	"errors"
	"net/http"
)

// ErrOptimisticLock 乐观锁冲突：记录已被其他操作修改（条件更新影响行数为 0）
var ErrOptimisticLock = errors.New("数据已被其他操作修改，请刷新后重试")

// Code 稳定的机器可读错误码，前端据此做本地化提示
type Code string

const (
	CodeExpiredToken                 Code = "EXPIRED_TOKEN"
	CodeTokenAlreadyUsed             Code = "TOKEN_ALREADY_USED"
	CodeInvalidState                 Code = "INVALID_STATE"
	CodeIneligibleStudent            Code = "INELIGIBLE_STUDENT"
	CodeInsufficientEligibleStudents Code = "INSUFFICIENT_ELIGIBLE_STUDENTS"
	CodeGeofenceViolation            Code = "GEOFENCE_VIOLATION"
	CodeWifiViolation                Code = "WIFI_VIOLATION"
	CodeUnauthorized                 Code = "UNAUTHORIZED"
	CodeRateLimited                  Code = "RATE_LIMITED"
	CodeNotFound                     Code = "NOT_FOUND"
	CodeValidationFailed             Code = "VALIDATION_FAILED"
	CodeStorageUnavailable           Code = "STORAGE_UNAVAILABLE"
)

// AppError 面向客户端的业务错误
type AppError struct {
	Code       Code
	Message    string
	HTTPStatus int
	Retryable  bool
}

func (e *AppError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Is 按错误码比较，便于 errors.Is(err, ErrExpiredToken) 匹配派生出的错误
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithMessage 派生一个同码但描述更具体的错误
func (e *AppError) WithMessage(msg string) *AppError {
	cp := *e
	cp.Message = msg
	return &cp
}

func newAppError(code Code, status int, msg string) *AppError {
	return &AppError{Code: code, Message: msg, HTTPStatus: status}
}

var (
	ErrExpiredToken                 = newAppError(CodeExpiredToken, http.StatusGone, "二维码已过期")
	ErrTokenAlreadyUsed             = newAppError(CodeTokenAlreadyUsed, http.StatusConflict, "二维码已被使用")
	ErrInvalidState                 = newAppError(CodeInvalidState, http.StatusConflict, "当前状态不允许该操作")
	ErrIneligibleStudent            = newAppError(CodeIneligibleStudent, http.StatusForbidden, "该学生不符合扫码条件")
	ErrInsufficientEligibleStudents = newAppError(CodeInsufficientEligibleStudents, http.StatusUnprocessableEntity, "可选学生数量不足")
	ErrGeofenceViolation            = newAppError(CodeGeofenceViolation, http.StatusForbidden, "不在允许的签到范围内")
	ErrWifiViolation                = newAppError(CodeWifiViolation, http.StatusForbidden, "未连接到教室网络")
	ErrUnauthorized                 = newAppError(CodeUnauthorized, http.StatusForbidden, "无权执行该操作")
	ErrRateLimited                  = newAppError(CodeRateLimited, http.StatusTooManyRequests, "请求过于频繁，请稍后再试")
	ErrNotFound                     = newAppError(CodeNotFound, http.StatusNotFound, "资源不存在")
	ErrValidationFailed             = newAppError(CodeValidationFailed, http.StatusBadRequest, "参数校验失败")
	ErrStorageUnavailable           = &AppError{
		Code:       CodeStorageUnavailable,
		Message:    "存储暂不可用，请重新扫码",
		HTTPStatus: http.StatusServiceUnavailable,
		Retryable:  true,
	}
)

// AsAppError 提取错误链中的 AppError；非业务错误返回 nil
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}
