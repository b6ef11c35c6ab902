package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/fablemind/fablemind-backend/internal/modules/auth"
	"github.com/fablemind/fablemind-backend/internal/platform/logger"
)

// UserIDKey is the gin context key carrying the authenticated user id.
const UserIDKey = "userID"

type AuthMiddleware struct {
	log  *logger.Logger
	auth *auth.Service
}

func NewAuthMiddleware(log *logger.Logger, authService *auth.Service) *AuthMiddleware {
	return &AuthMiddleware{log: log.With("middleware", "AuthMiddleware"), auth: authService}
}

func (am *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractToken(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"errorType":   "auth",
				"userMessage": "Token de autenticação ausente.",
			})
			return
		}
		userID, err := am.auth.VerifyToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"errorType":   "auth",
				"userMessage": "Sessão inválida ou expirada.",
			})
			return
		}
		c.Set(UserIDKey, userID)
		c.Next()
	}
}

// UserID reads the authenticated user id set by RequireAuth.
func UserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}

func extractToken(c *gin.Context) string {
	if qToken := c.Query("token"); qToken != "" {
		return qToken
	}
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return authHeader[7:]
	}
	return ""
}
