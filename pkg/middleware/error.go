package middleware

import (
	"context"
	"errors"
	"net/http"

	"vpnhub/pkg/errutil"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error renders the last error attached with c.Error as the errutil JSON envelope.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}

		if v, ok := errutil.As(last.Err); ok {
			c.JSON(v.Code.HTTPStatus(), v.JSON())
			return
		}

		if errors.Is(last.Err, context.Canceled) {
			c.Status(errutil.StatusClientClosedRequest.HTTPStatus())
			return
		}

		zap.L().Error("unhandled request error",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(last.Err),
		)
		c.JSON(http.StatusInternalServerError, errutil.BaseError{
			Code:    errutil.StatusInternal,
			Message: "internal error",
		}.JSON())
	}
}
