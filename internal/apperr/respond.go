package apperr

import (
	"github.com/gin-gonic/gin"

	"github.com/mbd888/bookit/internal/logging"
)

// Respond writes err as a JSON error body. Unexpected errors are logged in
// full and rendered as internal_error.
func Respond(c *gin.Context, err error) {
	pub := Public(err)
	if pub.Kind == KindInternal {
		logging.L(c.Request.Context()).Error("request failed",
			"method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	c.JSON(HTTPStatus(pub), gin.H{
		"error":   pub.Code,
		"message": pub.Message,
	})
}

// Abort is Respond followed by c.Abort, for use in middleware.
func Abort(c *gin.Context, err error) {
	Respond(c, err)
	c.Abort()
}
