package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	pkgerrors "baton-attendance/backend/pkg/errors"
)

// Response 统一响应结构
// 失败时 Error 为稳定错误码（如 TOKEN_ALREADY_USED），Message 为可读描述
type Response struct {
	Code      int         `json:"code"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Retryable bool        `json:"retryable,omitempty"`
}

// ── 成功响应 ──

// OK 200 成功响应
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

// Created 201 创建成功
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

// ── 错误响应 ──

// Error 通用错误响应
func Error(c *gin.Context, httpStatus int, code pkgerrors.Code, message string) {
	c.JSON(httpStatus, Response{
		Code:    httpStatus,
		Message: message,
		Error:   string(code),
	})
}

// AppError 按业务错误自带的 HTTP 状态与错误码输出
func AppError(c *gin.Context, err *pkgerrors.AppError) {
	c.JSON(err.HTTPStatus, Response{
		Code:      err.HTTPStatus,
		Message:   err.Message,
		Error:     string(err.Code),
		Retryable: err.Retryable,
	})
}

// ── 常见快捷方式 ──

// BadRequest 400
func BadRequest(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, pkgerrors.CodeValidationFailed, message)
}

// Unauthorized 401
func Unauthorized(c *gin.Context, message string) {
	Error(c, http.StatusUnauthorized, pkgerrors.CodeUnauthorized, message)
}

// Forbidden 403
func Forbidden(c *gin.Context, message string) {
	Error(c, http.StatusForbidden, pkgerrors.CodeUnauthorized, message)
}

// InternalError 500
func InternalError(c *gin.Context) {
	Error(c, http.StatusInternalServerError, pkgerrors.CodeStorageUnavailable, "服务器内部错误")
}
