package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess       = 0
	CodeParamError    = 400
	CodeUnauthorized  = 401
	CodeForbidden     = 403
	CodeNotFound      = 404
	CodeServerError   = 500
	CodeUnavailable   = 503
	CodeBusinessError = 1000
)

const (
	CodeOrderNotFound       = 1001
	CodeOrderNotPayable     = 1002
	CodeInsufficientCredits = 1003
	CodeDuplicateRequest    = 1004
	CodeAccountNotFound     = 1005
	CodePaymentVerifyFailed = 1006
	CodeRefundRejected      = 1007
	CodeInvalidPlan         = 1008
	CodeProviderUnavailable = 1009
	CodeSystemBusy          = 1010
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// Fail 以指定 HTTP 状态码返回业务错误，data 可携带可供调用方处理的细节
func Fail(c *gin.Context, httpStatus, code int, message string, data interface{}) {
	c.JSON(httpStatus, Response{
		Code:    code,
		Message: message,
		Data:    data,
	})
}

func Error(c *gin.Context, httpStatus, code int, message string) {
	Fail(c, httpStatus, code, message, nil)
}

func ParamError(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, CodeParamError, message)
}

func NotFound(c *gin.Context, code int, message string) {
	Error(c, http.StatusNotFound, code, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, http.StatusInternalServerError, CodeServerError, message)
}

func BusinessError(c *gin.Context, code int, message string) {
	Error(c, http.StatusConflict, code, message)
}
