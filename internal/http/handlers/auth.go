package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/fablemind/fablemind-backend/internal/http/response"
	"github.com/fablemind/fablemind-backend/internal/modules/auth"
)

type AuthHandler struct {
	authService *auth.Service
}

func NewAuthHandler(authService *auth.Service) *AuthHandler {
	return &AuthHandler{authService: authService}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (ah *AuthHandler) Register(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Corpo da requisição inválido.", err)
		return
	}
	user, token, err := ah.authService.Register(req.Email, req.Password)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{
		"token":      token,
		"expires_in": int(ah.authService.AccessTTL().Seconds()),
		"user":       gin.H{"id": user.ID, "email": user.Email},
	})
}

func (ah *AuthHandler) Login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Corpo da requisição inválido.", err)
		return
	}
	user, token, err := ah.authService.Login(req.Email, req.Password)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{
		"token":      token,
		"expires_in": int(ah.authService.AccessTTL().Seconds()),
		"user":       gin.H{"id": user.ID, "email": user.Email},
	})
}
