package http

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	applogger "FinGate/pkg/logger"

	"github.com/labstack/echo/v4"
)

// Envelope is the body of every JSON response the API writes, errors included.
type Envelope struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Page is the data of a list response.
type Page struct {
	Rows  any `json:"rows"`
	Total int `json:"total"`
}

// ValidationError describes one rejected request field.
type ValidationError struct {
	Code    string         `json:"code,omitempty"`
	Field   string         `json:"field,omitempty"`
	Message string         `json:"message,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
}

// AppError is an error a handler wants rendered with its own status and code.
type AppError struct {
	Status  int            `json:"-"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Params  map[string]any `json:"params,omitempty"`
	cause   error
}

func (e *AppError) Error() string {
	if e.cause == nil {
		return e.Message
	}
	return e.Message + ": " + e.cause.Error()
}

func (e *AppError) Unwrap() error { return e.cause }

// WithParam attaches a value the client can use to localise the message.
func (e *AppError) WithParam(key string, value any) *AppError {
	if e.Params == nil {
		e.Params = map[string]any{}
	}
	e.Params[key] = value
	return e
}

// Wrap records the underlying cause. It is logged, never sent.
func (e *AppError) Wrap(err error) *AppError {
	e.cause = err
	return e
}

// NotFoundErrorf builds a 404 AppError.
func NotFoundErrorf(format string, a ...any) *AppError {
	return &AppError{Status: http.StatusNotFound, Code: statusCode(http.StatusNotFound), Message: fmt.Sprintf(format, a...)}
}

// statusCode turns 404 into ERR_NOT_FOUND, 405 into ERR_METHOD_NOT_ALLOWED and so on.
func statusCode(status int) string {
	text := http.StatusText(status)
	if text == "" {
		return "ERR_UNKNOWN"
	}
	return "ERR_" + strings.ToUpper(strings.ReplaceAll(text, " ", "_"))
}

func write(c echo.Context, status int, data any) error {
	return c.JSON(status, Envelope{Status: status, Message: http.StatusText(status), Data: data})
}

// SuccessResponse writes data with 200.
func SuccessResponse(c echo.Context, data any) error {
	return write(c, http.StatusOK, data)
}

// ListResponse writes rows with 200.
func ListResponse(c echo.Context, rows any, total int) error {
	return write(c, http.StatusOK, Page{Rows: rows, Total: total})
}

// BadRequestResponse writes the field errors returned by ReadAndValidateRequest.
func BadRequestResponse(c echo.Context, verrs []ValidationError) error {
	return write(c, http.StatusBadRequest, verrs)
}

// AppErrorResponse renders err. AppErrors and echo errors keep their status, anything
// else is a bare 500.
func AppErrorResponse(c echo.Context, err error) error {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return write(c, appErr.Status, []*AppError{appErr})
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return write(c, he.Code, []*AppError{{
			Status:  he.Code,
			Code:    statusCode(he.Code),
			Message: fmt.Sprint(he.Message),
		}})
	}
	return write(c, http.StatusInternalServerError, nil)
}

// ErrorHandler replaces echo's default so unmatched routes and errors returned by
// handlers come back in the same envelope as everything else.
func ErrorHandler(l *applogger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		var appErr *AppError
		var he *echo.HTTPError
		if !errors.As(err, &appErr) && !errors.As(err, &he) {
			l.Error("unhandled http error", applogger.String("path", c.Path()), applogger.Error(err))
		}
		if c.Request().Method == http.MethodHead {
			status := http.StatusInternalServerError
			switch {
			case appErr != nil:
				status = appErr.Status
			case he != nil:
				status = he.Code
			}
			err = c.NoContent(status)
		} else {
			err = AppErrorResponse(c, err)
		}
		if err != nil {
			l.Warn("http error response failed", applogger.Error(err))
		}
	}
}
