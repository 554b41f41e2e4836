package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fleetctl/controlplane/internal/logger"
)

// ErrorHandler converts a ProtocolError left on the gin context into the
// matching JSON response and log line.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last()

		if protoErr, ok := err.Err.(*ProtocolError); ok {
			log := logger.HTTP()
			if protoErr.StatusCode >= 500 {
				log.Error().Str("code", protoErr.Code).Msg(protoErr.Message)
			} else {
				log.Warn().Str("code", protoErr.Code).Msg(protoErr.Message)
			}
			c.JSON(protoErr.StatusCode, protoErr)
			return
		}

		logger.HTTP().Error().Err(err.Err).Msg("unhandled error")
		c.JSON(http.StatusInternalServerError, New(CodeInternalError, "an unexpected error occurred"))
	}
}

// Recovery recovers from panics in handlers and reports them as INTERNAL_ERROR.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.HTTP().Error().Interface("panic", r).Msg("recovered from panic")
				c.AbortWithStatusJSON(http.StatusInternalServerError, New(CodeInternalError, "an unexpected error occurred"))
			}
		}()
		c.Next()
	}
}

// HandleError records err on the gin context and writes its JSON response.
func HandleError(c *gin.Context, err error) {
	if protoErr, ok := err.(*ProtocolError); ok {
		c.Error(protoErr)
		c.JSON(protoErr.StatusCode, protoErr)
		return
	}
	internalErr := InternalError(err.Error())
	c.Error(internalErr)
	c.JSON(internalErr.StatusCode, internalErr)
}

// AbortWithError aborts the request with err's JSON response.
func AbortWithError(c *gin.Context, err *ProtocolError) {
	c.Error(err)
	c.AbortWithStatusJSON(err.StatusCode, err)
}
