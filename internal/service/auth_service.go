package service

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"teleconsult/internal/model"
)

var ErrInvalidToken = errors.New("invalid or expired token")

// AuthService issues and resolves bearer tokens. Identity itself is managed
// elsewhere; tokens only carry the role, the subject and extra session grants.
type AuthService struct {
	jwtSecret []byte
	ttl       time.Duration
}

func NewAuthService(secret string, ttl time.Duration) *AuthService {
	return &AuthService{jwtSecret: []byte(secret), ttl: ttl}
}

// IssueToken signs a token for the given identity
func (s *AuthService) IssueToken(role model.Role, id string, sessions []string) (string, error) {
	if !role.Valid() || id == "" {
		return "", ErrInvalidRequest
	}

	now := time.Now()
	claims := &model.Claims{
		Role:     role,
		Sessions: sessions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  id,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// Resolve validates a token and returns the caller it identifies
func (s *AuthService) Resolve(tokenString string) (model.Caller, error) {
	token, err := jwt.ParseWithClaims(tokenString, &model.Claims{}, func(token *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return model.Caller{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(*model.Claims)
	if !ok || !token.Valid || !claims.Role.Valid() || claims.Subject == "" {
		return model.Caller{}, ErrInvalidToken
	}

	return model.Caller{
		Role:     claims.Role,
		ID:       claims.Subject,
		Sessions: claims.Sessions,
	}, nil
}
