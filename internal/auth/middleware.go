package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/wuwenbin0122/oraltrainer/internal/models"
)

const contextUserKey = "auth.user"

// Middleware rejects requests without a valid bearer token and stores the
// authenticated user on the gin context.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ParseBearer(c.GetHeader("Authorization"))
		if token == "" {
			abortUnauthorized(c, ErrInvalidToken)
			return
		}

		user, err := s.Authenticate(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, ErrInvalidToken) {
				abortUnauthorized(c, err)
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "failed to authenticate",
				"details": err.Error(),
			})
			return
		}

		c.Set(contextUserKey, user.Sanitize())
		c.Next()
	}
}

// UserFromContext returns the user stored by Middleware.
func UserFromContext(c *gin.Context) (models.User, bool) {
	value, ok := c.Get(contextUserKey)
	if !ok {
		return models.User{}, false
	}
	user, ok := value.(models.User)
	return user, ok
}

// ParseBearer extracts the token from an Authorization header value.
func ParseBearer(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func abortUnauthorized(c *gin.Context, err error) {
	c.Header("WWW-Authenticate", "Bearer")
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "could not validate credentials",
		"details": err.Error(),
		"code":    "unauthorized",
	})
}
