package httpmw

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/codeharbor/codeharbor/internal/user"
)

// UserContextKey is the gin context key holding the authenticated *user.User.
const UserContextKey = "user"

// BearerAuth authenticates requests by API token. The token is read from the
// Authorization header or, for EventSource clients that cannot set headers,
// the access_token query parameter.
func BearerAuth(users *user.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ""
		if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		} else if qt := c.Query("access_token"); qt != "" {
			token = qt
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}

		u, err := users.GetUserByToken(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(UserContextKey, u)
		c.Next()
	}
}
