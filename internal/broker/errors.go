package broker

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/squirtgunhero/marketplace-core/internal/payment"
	"github.com/squirtgunhero/marketplace-core/internal/store"
)

// apiError is the JSON body shape for every non-2xx response.
type apiError struct {
	Error string `json:"error"`
}

// statusFor maps the store/payment error taxonomy (spec.md section 7) to
// an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrWrongAgent):
		return http.StatusForbidden
	case errors.Is(err, store.ErrTransient), errors.Is(err, payment.ErrTransient):
		return http.StatusServiceUnavailable
	case errors.Is(err, store.ErrFatal):
		// Fatal errors (store unreachable) degrade to 503, not 500
		// (spec.md section 7).
		return http.StatusServiceUnavailable
	case errors.Is(err, payment.ErrPermanent):
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), apiError{Error: err.Error()})
}

func failWith(c *gin.Context, status int, msg string) {
	c.JSON(status, apiError{Error: msg})
}
