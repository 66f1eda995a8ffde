package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/geo-mak/autonomic-playground/pkg/operation"
	"github.com/geo-mak/autonomic-playground/pkg/telemetry"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Status     int    `json:"status"`
	Code       string `json:"code,omitempty"`
	Class      string `json:"class,omitempty"`
	Message    string `json:"message"`
	Controller string `json:"controller,omitempty"`
	Operation  string `json:"operation,omitempty"`
}

// Error lets clients return an ErrorResponse as an error.
func (e *ErrorResponse) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%d %s)", e.Message, e.Status, e.Code)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Status)
}

// StatusFor maps an error to its HTTP status by error code.
func StatusFor(err error) int {
	switch operation.CodeOf(err) {
	case operation.ErrCodeNotFound, operation.ErrCodeNoSensor:
		return http.StatusNotFound
	case operation.ErrCodeAlreadyExists, operation.ErrCodeBusy, operation.ErrCodeLocked, operation.ErrCodeNotActive:
		return http.StatusConflict
	case operation.ErrCodeDenied:
		return http.StatusForbidden
	case operation.ErrCodeUnexpectedParameters, operation.ErrCodeParametersRequired, operation.ErrCodeValidation:
		return http.StatusBadRequest
	case operation.ErrCodeShuttingDown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func newErrorResponse(err error) *ErrorResponse {
	resp := &ErrorResponse{
		Status:  StatusFor(err),
		Message: err.Error(),
	}
	var opErr *operation.Error
	if errors.As(err, &opErr) {
		resp.Code = opErr.Code
		resp.Class = string(opErr.Class)
		resp.Message = opErr.Message
		resp.Controller = opErr.Controller
		resp.Operation = opErr.Operation
	}
	return resp
}

// handleError writes err as an ErrorResponse and logs server-side failures.
func handleError(c *gin.Context, logger *telemetry.Logger, err error) {
	resp := newErrorResponse(err)
	if resp.Status >= http.StatusInternalServerError {
		logger.WithError(err).
			WithField("route", c.FullPath()).
			Error("Request failed")
	}
	c.AbortWithStatusJSON(resp.Status, resp)
}

// handleInvalidInput rejects a malformed request.
func handleInvalidInput(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, &ErrorResponse{
		Status:  http.StatusBadRequest,
		Code:    operation.ErrCodeValidation,
		Class:   string(operation.ErrorClassRejected),
		Message: err.Error(),
	})
}
