// Package middleware carries the gin request guards: bearer token
// extraction, session validation against the whitelist, and principal
// injection.
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nvoss/chatstream"
)

// StatusSessionRevoked is the status for a well-formed, correctly signed
// token whose session is no longer admitted. It is distinct from 401 so
// clients know to discard the token and re-authenticate instead of
// retrying. Part of the wire contract with existing clients.
const StatusSessionRevoked = 419

const principalKey = "chatstream.principal"

// sessionCookie is the fallback token carrier for browser clients.
const sessionCookie = "session"

// SessionGuard validates the request's bearer token and injects the
// principal. No token is 401, an unparsable token is 400, a revoked session
// is 419, and an unreachable revocation store is 503: admission cannot be
// verified, so the request is refused either way, but only 419 tells the
// client to discard its token.
func SessionGuard(engine *chatstream.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := BearerToken(c)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		p, err := engine.Validate(c.Request.Context(), raw)
		if err != nil {
			switch {
			case errors.Is(err, chatstream.ErrInvalidToken):
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid token"})
			case errors.Is(err, chatstream.ErrSessionRevoked):
				c.AbortWithStatusJSON(StatusSessionRevoked, gin.H{"error": "session revoked"})
			case errors.Is(err, chatstream.ErrStoreUnavailable):
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "session store unavailable"})
			default:
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			}
			return
		}

		c.Set(principalKey, *p)
		c.Next()
	}
}

// Principal returns the principal injected by SessionGuard.
func Principal(c *gin.Context) (chatstream.Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return chatstream.Principal{}, false
	}
	p, ok := v.(chatstream.Principal)
	return p, ok
}

// BearerToken extracts the session token from the Authorization header, or
// from the session cookie for browser clients.
func BearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if cookie, err := c.Cookie(sessionCookie); err == nil {
		return cookie
	}
	return ""
}
