package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// Success returns a success response
func Success(data interface{}) Response {
	return Response{
		Success: true,
		Data:    data,
	}
}

// Error returns an error response
func Error(message string) Response {
	return Response{
		Success: false,
		Error:   message,
	}
}

// SuccessJSON sends a success JSON response
func SuccessJSON(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Success(data))
}

// ErrorJSON sends an error JSON response
func ErrorJSON(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, Error(message))
}
