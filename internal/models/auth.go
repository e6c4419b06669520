package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims represents custom JWT claims
type JWTClaims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// UserContext is the caller identity taken from the bearer token
type UserContext struct {
	Subject string
	Roles   []string
}
