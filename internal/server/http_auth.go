package server

import (
	"github.com/gin-gonic/gin"

	"github.com/fleetctl/controlplane/internal/errors"
	"github.com/fleetctl/controlplane/internal/middleware"
)

// requireDashboardAuth gates the plain-HTTP routes (audit query, internal
// status) behind the same token-source chain the WebSocket handshake uses,
// since both surfaces share one identity model.
func (s *Server) requireDashboardAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c.Request)
		if token == "" {
			err := errors.AuthenticationFailed("missing token")
			c.AbortWithStatusJSON(err.StatusCode, err)
			return
		}

		identity, err := s.verifier.Verify(c.Request.Context(), token)
		if err != nil {
			protoErr := errors.AuthenticationFailed("invalid token")
			c.AbortWithStatusJSON(protoErr.StatusCode, protoErr)
			return
		}

		c.Set(middleware.IdentityContextKey, identity)
		c.Next()
	}
}

func writeProtoError(c *gin.Context, err error) {
	protoErr, ok := err.(*errors.ProtocolError)
	if !ok {
		protoErr = errors.InternalError("internal error")
	}
	c.JSON(protoErr.StatusCode, protoErr)
}
