// Package auth issues and verifies the bearer tokens behind /api/auth.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fablemind/fablemind-backend/internal/data/repos"
	"github.com/fablemind/fablemind-backend/internal/platform/apierr"
	"github.com/fablemind/fablemind-backend/internal/platform/envutil"
	"github.com/fablemind/fablemind-backend/internal/platform/logger"
)

type Service struct {
	log    *logger.Logger
	users  *repos.UserRepo
	secret []byte
	ttl    time.Duration
}

func NewService(log *logger.Logger, users *repos.UserRepo) (*Service, error) {
	secret := envutil.String("JWT_SECRET", "")
	if secret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	return &Service{
		log:    log.With("service", "AuthService"),
		users:  users,
		secret: []byte(secret),
		ttl:    envutil.Duration("JWT_ACCESS_TTL", 168*time.Hour),
	}, nil
}

func (s *Service) AccessTTL() time.Duration { return s.ttl }

func (s *Service) Register(email, password string) (*repos.User, string, error) {
	user, err := s.users.Create(email, password)
	if err != nil {
		return nil, "", err
	}
	token, err := s.issue(user.ID)
	if err != nil {
		return nil, "", err
	}
	s.log.Info("user registered", "user_id", user.ID)
	return user, token, nil
}

func (s *Service) Login(email, password string) (*repos.User, string, error) {
	user, err := s.users.Authenticate(email, password)
	if err != nil {
		return nil, "", err
	}
	token, err := s.issue(user.ID)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

func (s *Service) issue(userID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates a bearer token and returns the user id it names.
func (s *Service) VerifyToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %q", t.Header["alg"])
			}
			return s.secret, nil
		})
	if err != nil || !token.Valid {
		return "", apierr.New(401, apierr.TypeAuth, "Sessão inválida ou expirada.", err)
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", apierr.New(401, apierr.TypeAuth, "Sessão inválida ou expirada.", nil)
	}
	return claims.Subject, nil
}

// UserFromToken verifies the token and loads its user.
func (s *Service) UserFromToken(tokenString string) (*repos.User, error) {
	userID, err := s.VerifyToken(tokenString)
	if err != nil {
		return nil, err
	}
	return s.users.GetByID(userID)
}
