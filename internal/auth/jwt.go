// Package auth issues and validates the JWTs that identify tour members,
// leaders and organization admins.
package auth

import (
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token type constants for the typ claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Token expiration durations.
const (
	AccessTokenExpiry  = 15 * time.Minute
	RefreshTokenExpiry = 7 * 24 * time.Hour
)

// Default leeway for token validation.
const DefaultLeeway = 30 * time.Second

var (
	// ErrInvalidToken is returned when token validation fails.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = errors.New("token has expired")
	// ErrEmptyUserID is returned when a token is requested without a subject.
	ErrEmptyUserID = errors.New("userID cannot be empty")
	// ErrInvalidRole is returned for a role outside member, leader and admin.
	ErrInvalidRole = errors.New("invalid role")
)

// Role is a user's role within their organization.
type Role string

// Roles, least privileged first.
const (
	RoleMember Role = "member"
	RoleLeader Role = "leader"
	RoleAdmin  Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleMember, RoleLeader, RoleAdmin:
		return true
	}
	return false
}

// Principal is the authenticated identity carried by an access token.
type Principal struct {
	UserID         string
	OrganizationID string
	Role           Role
	TourIDs        []string
}

// CanManage reports whether the principal may act on behalf of others in a
// tour: leaders assigned to it, or any admin of the organization.
func (p Principal) CanManage(tourID string) bool {
	switch p.Role {
	case RoleAdmin:
		return true
	case RoleLeader:
		return p.InTour(tourID)
	}
	return false
}

// InTour reports whether the principal is assigned to the tour.
// Admins see every tour of their organization.
func (p Principal) InTour(tourID string) bool {
	return p.Role == RoleAdmin || slices.Contains(p.TourIDs, tourID)
}

// Claims represents custom JWT claims for the application.
type Claims struct {
	jwt.RegisteredClaims
	Org   string   `json:"org,omitempty"`
	Role  Role     `json:"role,omitempty"`
	Tours []string `json:"tours,omitempty"`
	Type  string   `json:"typ"` // "access" or "refresh"
}

// Principal returns the identity carried by the claims.
func (c *Claims) Principal() Principal {
	role := c.Role
	if role == "" {
		role = RoleMember
	}
	return Principal{
		UserID:         c.Subject,
		OrganizationID: c.Org,
		Role:           role,
		TourIDs:        slices.Clone(c.Tours),
	}
}

// JWTService handles JWT token operations.
// Supports dual-key rotation: tokens are signed with currentSecret,
// but can be validated with either currentSecret or previousSecret.
type JWTService struct {
	currentSecret  []byte
	previousSecret []byte
	leeway         time.Duration
	now            func() time.Time
}

// NewJWTService creates a JWTService with a single signing secret.
func NewJWTService(secret string) *JWTService {
	return NewJWTServiceWithRotation(secret, "")
}

// NewJWTServiceWithRotation creates a JWTService with dual-key support for zero-downtime rotation.
// Set previousSecret to empty string if no rotation is in progress.
func NewJWTServiceWithRotation(currentSecret, previousSecret string) *JWTService {
	return NewJWTServiceWithRotationAndLeeway(currentSecret, previousSecret, DefaultLeeway)
}

// NewJWTServiceWithRotationAndLeeway creates a JWTService with dual-key support and custom leeway.
func NewJWTServiceWithRotationAndLeeway(currentSecret, previousSecret string, leeway time.Duration) *JWTService {
	svc := &JWTService{
		currentSecret: []byte(currentSecret),
		leeway:        leeway,
		now:           time.Now,
	}
	if previousSecret != "" {
		svc.previousSecret = []byte(previousSecret)
	}
	return svc
}

// GenerateAccessToken creates a new access token (15m expiry) for p.
// An empty role is issued as member.
func (s *JWTService) GenerateAccessToken(p Principal) (string, error) {
	if p.UserID == "" {
		return "", ErrEmptyUserID
	}
	if p.Role == "" {
		p.Role = RoleMember
	}
	if !p.Role.Valid() {
		return "", ErrInvalidRole
	}

	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(AccessTokenExpiry)),
		},
		Org:   p.OrganizationID,
		Role:  p.Role,
		Tours: p.TourIDs,
		Type:  TokenTypeAccess,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.currentSecret)
}

// GenerateRefreshToken creates a new refresh token (7d expiry) with userID.
func (s *JWTService) GenerateRefreshToken(userID string) (string, error) {
	if userID == "" {
		return "", ErrEmptyUserID
	}

	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(RefreshTokenExpiry)),
		},
		Type: TokenTypeRefresh,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.currentSecret)
}

// ValidateToken parses and validates a JWT token, returning the claims if valid.
// The current secret is tried first, then the previous one during rotation.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	keys := [][]byte{s.currentSecret}
	if s.previousSecret != nil {
		keys = append(keys, s.previousSecret)
	}

	var lastErr error
	for _, key := range keys {
		claims, err := s.parse(tokenString, key)
		if err == nil {
			return claims, nil
		}
		lastErr = err
	}

	if errors.Is(lastErr, jwt.ErrTokenExpired) {
		return nil, ErrExpiredToken
	}
	return nil, ErrInvalidToken
}

// ValidateAccessToken is ValidateToken restricted to access tokens.
func (s *JWTService) ValidateAccessToken(tokenString string) (*Claims, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Type != TokenTypeAccess {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *JWTService) parse(tokenString string, key []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrInvalidToken
		}
		return key, nil
	}, jwt.WithLeeway(s.leeway), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
