package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims identify a collaborator. Subject carries the actor id used for
// role lookups; Name and Avatar are shown to other people in the document.
type Claims struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the part of a verified token the rest of the service uses.
type Identity struct {
	UserID string
	Name   string
	Avatar string
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

func (c Claims) Identity() Identity {
	return Identity{UserID: c.Subject, Name: c.Name, Avatar: c.Avatar}
}

// NewClaims builds claims for id that expire after ttl.
func NewClaims(id Identity, ttl time.Duration) Claims {
	now := time.Now()
	return Claims{
		Name:   id.Name,
		Avatar: id.Avatar,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
}

func IssueToken(secret []byte, claims Claims) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("sign token: empty secret")
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func ParseToken(secret []byte, token string) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, ErrInvalidToken
	}
	if claims.Subject == "" || claims.Name == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}
