package middleware

import (
	"net/http"

	"coupon-engine/pkg/errutil"

	"github.com/gin-gonic/gin"
)

// Error renders the last error pushed onto the gin context as a structured
// JSON body. Domain errors carry their own HTTP status.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		err := c.Errors.Last()
		if err == nil {
			return
		}

		if v, ok := err.Err.(errutil.BaseError); ok {
			c.JSON(v.Code.HTTPStatus(), v.JSON())
			return
		}

		c.JSON(http.StatusInternalServerError, errutil.BaseError{
			Code:    errutil.StatusInternal,
			Message: err.Error(),
		}.JSON())
	}
}
