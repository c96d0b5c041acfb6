package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"empathy-ledger/backend/internal/logging"
	"empathy-ledger/backend/internal/services"
)

const (
	serviceName    = "empathy-ledger-workflow"
	serviceVersion = "1.0.0"

	msgUnavailable = services.MessageUnavailable
	msgInternal    = services.MessageInternal
)

// SuccessResponse is the envelope of every successful API response.
type SuccessResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
	Meta    any  `json:"meta,omitempty"`
}

// ErrorResponse is the envelope of every failed API response.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Store     string    `json:"store"`
}

func respond(c echo.Context, status int, data, meta any) error {
	return c.JSON(status, SuccessResponse{Success: true, Data: data, Meta: meta})
}

// ErrorHandler renders every error returned by a handler or middleware as
// an ErrorResponse. Server-side failures are logged and never leak detail.
func ErrorHandler(logger *logging.Logger) echo.HTTPErrorHandler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, body := translateError(err)
		if status >= http.StatusInternalServerError {
			logger.Error("request failed",
				"method", c.Request().Method,
				"path", c.Path(),
				"status", status,
				"error", err,
			)
		}

		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(status)
		} else {
			writeErr = c.JSON(status, body)
		}
		if writeErr != nil {
			logger.Error("write error response", "error", writeErr)
		}
	}
}

func translateError(err error) (int, ErrorResponse) {
	body := ErrorResponse{Success: false}

	var svcErr *services.Error
	if errors.As(err, &svcErr) {
		body.Code = string(svcErr.Kind)
		switch svcErr.Kind {
		case services.KindInvalidInput:
			body.Error = svcErr.Message
			return http.StatusBadRequest, body
		case services.KindNotFound:
			body.Error = "workflow record not found"
			return http.StatusNotFound, body
		case services.KindConflict:
			body.Error = "storyteller already invited to this campaign"
			return http.StatusConflict, body
		case services.KindUnavailable:
			body.Error = msgUnavailable
			return http.StatusInternalServerError, body
		default:
			body.Error = msgInternal
			return http.StatusInternalServerError, body
		}
	}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		body.Code = codeForStatus(httpErr.Code)
		body.Error = fmt.Sprint(httpErr.Message)
		if httpErr.Code >= http.StatusInternalServerError {
			body.Error = msgInternal
		}
		return httpErr.Code, body
	}

	if errors.Is(err, context.DeadlineExceeded) {
		body.Code = string(services.KindUnavailable)
		body.Error = msgUnavailable
		return http.StatusInternalServerError, body
	}

	body.Code = string(services.KindInternal)
	body.Error = msgInternal
	return http.StatusInternalServerError, body
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusUnsupportedMediaType:
		return string(services.KindInvalidInput)
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return string(services.KindNotFound)
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusConflict:
		return string(services.KindConflict)
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusServiceUnavailable:
		return string(services.KindUnavailable)
	default:
		return string(services.KindInternal)
	}
}

// invalid builds a 400 for request shapes the services never see.
func invalid(format string, args ...any) error {
	return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf(format, args...))
}

// bindError keeps echo's binder message, which names the offending field
// and expected type for JSON type mismatches.
func bindError(err error) error {
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return invalid("invalid request body: %v", httpErr.Message)
	}
	return invalid("invalid request body: %v", err)
}
