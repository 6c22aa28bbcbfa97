package utils

import (
	"github.com/gin-gonic/gin"
)

type APIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

func SuccessResponse(c *gin.Context, code int, message string, data interface{}) {
	c.JSON(code, APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		RequestID: c.GetString("request_id"),
	})
}

func ErrorResponse(c *gin.Context, code int, message string, err error) {
	ErrorResponseWithData(c, code, message, err, nil)
}

// ErrorResponseWithData writes a failure envelope that still carries a payload,
// e.g. the per-source status map of a search where every source failed.
func ErrorResponseWithData(c *gin.Context, code int, message string, err error, data interface{}) {
	response := APIResponse{
		Success:   false,
		Message:   message,
		Data:      data,
		RequestID: c.GetString("request_id"),
	}

	if err != nil {
		response.Error = err.Error()
	}

	c.JSON(code, response)
}
