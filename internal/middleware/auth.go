package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"bumpti-iap/internal/config"
	"bumpti-iap/internal/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// UserIDKey is the gin context key holding the authenticated user id.
const UserIDKey = "user_id"

// BearerAuthMiddleware validates the bearer token issued by the app backend
// (HS256, shared secret, user id in the sub claim) and stores the user id in
// the request context.
func BearerAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// An unset secret rejects every request; validating against the empty
		// HMAC key would accept any attacker-signed token.
		if config.AppConfig.AuthJWTSecret == "" {
			response.ErrorJSON(c, http.StatusUnauthorized, "Client authentication is not configured")
			c.Abort()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.ErrorJSON(c, http.StatusUnauthorized, "Missing authorization header")
			c.Abort()
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			response.ErrorJSON(c, http.StatusUnauthorized, "Invalid authorization header format")
			c.Abort()
			return
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(config.AppConfig.AuthJWTSecret), nil
		})
		if err != nil || !token.Valid {
			response.ErrorJSON(c, http.StatusUnauthorized, "Invalid or expired token")
			c.Abort()
			return
		}

		subject, err := token.Claims.GetSubject()
		if err != nil || subject == "" {
			response.ErrorJSON(c, http.StatusUnauthorized, "Token is missing subject claim")
			c.Abort()
			return
		}

		c.Set(UserIDKey, subject)
		c.Next()
	}
}
