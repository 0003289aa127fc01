package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role is the connection's access level, established during the auth
// handshake before any event is accepted.
type Role string

const (
	RoleReader     Role = "reader"
	RoleConsultant Role = "consultant"
	RoleAdmin      Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleReader, RoleConsultant, RoleAdmin:
		return true
	}
	return false
}

// Claims carried by the signed session token.
type Claims struct {
	jwt.RegisteredClaims
	Email     string `json:"email"`
	Role      Role   `json:"role"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

// Validator checks HS256 session tokens issued by the auth layer.
type Validator struct {
	secret []byte
}

func NewValidator(secret string) (*Validator, error) {
	if secret == "" {
		return nil, errors.New("auth: JWT secret is required")
	}
	return &Validator{secret: []byte(secret)}, nil
}

// ValidateToken parses and verifies a session token, returning its claims.
func (v *Validator) ValidateToken(tokenString string) (*Claims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")
	if tokenString == "" {
		return nil, errors.New("token is empty")
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	if claims.ExpiresAt != nil && claims.ExpiresAt.Time.Before(time.Now()) {
		return nil, errors.New("token expired")
	}

	if !claims.Role.Valid() {
		return nil, fmt.Errorf("unknown role: %q", claims.Role)
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}

	return claims, nil
}

// AuthorizeRole checks the claims against an allow-list of roles.
func AuthorizeRole(claims *Claims, roles ...Role) error {
	if claims == nil {
		return errors.New("authentication required")
	}
	for _, role := range roles {
		if claims.Role == role {
			return nil
		}
	}
	return fmt.Errorf("insufficient permissions for role %q", claims.Role)
}

// ExtractTokenFromRequest extracts the JWT from a request (query param or
// Authorization header).
func ExtractTokenFromRequest(r *http.Request) string {
	// Try query parameter first
	token := r.URL.Query().Get("token")
	if token != "" {
		return token
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	return ""
}
