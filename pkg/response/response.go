package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Envelope is the wire shape of every API response.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error carries a stable machine code plus a human message.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Stable error codes clients can branch on.
const (
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeBadRequest     = "BAD_REQUEST"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeInternalError  = "INTERNAL_ERROR"
	ErrCodeDuplicate      = "DUPLICATE_RESOURCE"
	ErrCodeCapacityDenied = "CAPACITY_DENIED"
	ErrCodeModeBlocked    = "MODE_BLOCKED"
	ErrCodeStaleState     = "STALE_STATE"
)

// Handle maps common storage errors onto the envelope; anything unrecognized
// becomes an opaque 500.
func Handle(c *gin.Context, data interface{}, err error) {
	switch {
	case err == nil:
		Success(c, data)
	case errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, "Resource not found")
	case errors.Is(err, gorm.ErrDuplicatedKey):
		fail(c, http.StatusConflict, ErrCodeDuplicate, "Resource already exists")
	default:
		InternalError(c, "An unexpected error occurred")
	}
}

// Success sends the data envelope; POSTs report 201.
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == http.MethodPost {
		status = http.StatusCreated
	}
	c.JSON(status, Envelope{Success: true, Data: data})
}

func NotFound(c *gin.Context, message string) {
	fail(c, http.StatusNotFound, ErrCodeNotFound, message)
}

func BadRequest(c *gin.Context, message string) {
	fail(c, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func Unauthorized(c *gin.Context, message string) {
	fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

func InternalError(c *gin.Context, message string) {
	fail(c, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// CapacityDenied reports a funds or inventory shortfall found at finalize.
func CapacityDenied(c *gin.Context, message string) {
	fail(c, http.StatusUnprocessableEntity, ErrCodeCapacityDenied, message)
}

// ModeBlocked reports an operation refused by the current operating mode.
func ModeBlocked(c *gin.Context, message string) {
	fail(c, http.StatusConflict, ErrCodeModeBlocked, message)
}

// StaleState reports a lost status race; the caller should re-read.
func StaleState(c *gin.Context, message string) {
	fail(c, http.StatusConflict, ErrCodeStaleState, message)
}

func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, Envelope{
		Success: false,
		Error:   &Error{Code: code, Message: message},
	})
}
