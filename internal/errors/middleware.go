package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dqm4hep/netfabric/internal/logger"
)

// ErrorHandler converts an *AppError surfaced via c.Error into the
// fabric's structured JSON error body.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last()
		log := logger.Server()

		if appErr, ok := err.Err.(*AppError); ok {
			if appErr.StatusCode >= 500 {
				log.Error().Str("code", appErr.Code).Str("details", appErr.Details).Msg(appErr.Message)
			} else {
				log.Warn().Str("code", appErr.Code).Msg(appErr.Message)
			}
			c.JSON(appErr.StatusCode, appErr.ToResponse())
			return
		}

		log.Error().Err(err.Err).Msg("unhandled error")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   CodeInternalFailure,
			Message: "an unexpected error occurred",
			Code:    CodeInternalFailure,
		})
	}
}

// Recovery recovers a panicking HTTP handler so a single bad request
// cannot take down the Server Endpoint's listener. Websocket traffic is
// not routed through Gin: the endpoints wrap each dispatched callback
// in their own recover(), and the Event Loop recovers panicking jobs —
// see internal/eventloop.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Server().Error().Interface("panic", r).Msg("recovered from panic in HTTP handler")
				c.JSON(http.StatusInternalServerError, ErrorResponse{
					Error:   CodeInternalFailure,
					Message: "an unexpected error occurred",
					Code:    CodeInternalFailure,
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}

// HandleError records err on the Gin context and writes its JSON body.
func HandleError(c *gin.Context, err error) {
	if appErr, ok := err.(*AppError); ok {
		c.Error(appErr)
		c.JSON(appErr.StatusCode, appErr.ToResponse())
		return
	}
	internalErr := InternalFailure(err.Error())
	c.Error(internalErr)
	c.JSON(internalErr.StatusCode, internalErr.ToResponse())
}

// AbortWithError aborts the request immediately with the given error.
func AbortWithError(c *gin.Context, err *AppError) {
	c.Error(err)
	c.AbortWithStatusJSON(err.StatusCode, err.ToResponse())
}
