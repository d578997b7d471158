package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"Parley/internal/errs"
)

// ActorHeader carries the id of the user performing a request.
const ActorHeader = "X-User-Id"

// ErrorBody is the JSON body of every failed request.
type ErrorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errs.IsValidation(err):
		return http.StatusBadRequest
	case errs.IsAccessDenied(err), errs.IsPermission(err):
		return http.StatusForbidden
	case errs.IsNotFound(err):
		return http.StatusNotFound
	default:
		return http.StatusServiceUnavailable
	}
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), ErrorBody{Code: errs.Code(err), Error: errs.Reason(err)})
}
