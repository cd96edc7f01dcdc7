package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// DataResponse writes the standard envelope with statusCode.
func DataResponse(c echo.Context, statusCode int, data interface{}) error {
	return c.JSON(statusCode, APIResponse{
		Status:  statusCode,
		Message: http.StatusText(statusCode),
		Data:    data,
	})
}

// SuccessResponse writes a 200 envelope.
func SuccessResponse(c echo.Context, data interface{}) error {
	return DataResponse(c, http.StatusOK, data)
}

// BadRequestResponse writes a 400 envelope.
func BadRequestResponse(c echo.Context, data interface{}) error {
	return DataResponse(c, http.StatusBadRequest, data)
}

// AppErrorResponse writes err as an envelope. Errors that are not an
// *AppError become a bare 500 without leaking their message.
func AppErrorResponse(c echo.Context, err error) error {
	var ae *AppError
	if !errors.As(err, &ae) {
		ae = InternalError(http.StatusText(http.StatusInternalServerError))
	}
	return DataResponse(c, ae.Status, ae)
}
