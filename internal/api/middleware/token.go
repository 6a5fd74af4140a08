package middleware

import (
	"net/http"
	"strings"

	"github.com/Conceptual-Machines/defora-relay/internal/logger"
	"github.com/gin-gonic/gin"
)

// ControlTokenHeader carries the shared control secret on HTTP requests.
const ControlTokenHeader = "X-Control-Token"

// ControlToken rejects requests whose token does not satisfy authorize.
// The token is read from X-Control-Token, falling back to a bearer
// Authorization header.
//
// authorize is expected to accept anything when no secret is configured.
func ControlToken(authorize func(token string) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := TokenFromRequest(c)
		if !authorize(token) {
			setGate(c, GateRejected)
			logger.Warn("Rejected request with bad control token", requestFields(c))
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "missing or invalid " + ControlTokenHeader,
			})
			c.Abort()
			return
		}
		setGate(c, GatePassed)
		c.Next()
	}
}

// TokenFromRequest returns the control token presented by the client
func TokenFromRequest(c *gin.Context) string {
	if t := strings.TrimSpace(c.GetHeader(ControlTokenHeader)); t != "" {
		return t
	}
	auth := c.GetHeader("Authorization")
	if len(auth) > len("Bearer ") && strings.EqualFold(auth[:len("Bearer ")], "Bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return ""
}
