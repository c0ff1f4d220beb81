package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type Body struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, Body{Code: 0, Message: message, Data: data})
}

// Accepted 用于异步受理（上传已入队，处理尚未完成）
func Accepted(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusAccepted, Body{Code: 0, Message: message, Data: data})
}

func Fail(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, Body{Code: -1, Message: message, Data: data})
}

// Error writes a failure body with an explicit HTTP status.
func Error(c *gin.Context, status int, message string) {
	c.JSON(status, Body{Code: status, Message: message})
}
