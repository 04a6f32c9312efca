package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ashureev/sellerdesk/internal/domain"
)

// Token errors.
var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// TokenValidator resolves a bearer token to a principal.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (domain.Principal, error)
}

// JWTValidator validates HS256 signed JWTs. The principal comes from the
// "sub", "name" and "roles" claims.
type JWTValidator struct {
	secret []byte
	issuer string
}

// NewJWTValidator creates a validator for tokens signed with secret. When
// issuer is non-empty the "iss" claim must match it.
func NewJWTValidator(secret []byte, issuer string) *JWTValidator {
	return &JWTValidator{secret: secret, issuer: issuer}
}

// ValidateToken parses and verifies token.
func (v *JWTValidator) ValidateToken(_ context.Context, token string) (domain.Principal, error) {
	if token == "" {
		return domain.Principal{}, ErrMissingToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.Principal{}, ErrExpiredToken
		}
		return domain.Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return domain.Principal{}, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return domain.Principal{}, ErrInvalidToken
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return domain.Principal{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	p := domain.Principal{UserID: sub}
	if name, ok := claims["name"].(string); ok {
		p.Username = name
	}
	if roles, ok := claims["roles"].([]interface{}); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok && s != "" {
				p.Roles = append(p.Roles, s)
			}
		}
	}
	if p.Username == "" {
		p.Username = deriveUsername(sub)
	}
	return p, nil
}

// Generate signs a token for principal that expires after expiresIn.
func (v *JWTValidator) Generate(p domain.Principal, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": p.UserID,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	if p.Username != "" {
		claims["name"] = p.Username
	}
	if len(p.Roles) > 0 {
		claims["roles"] = p.Roles
	}
	if v.issuer != "" {
		claims["iss"] = v.issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

var devTokenPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// DevValidator accepts any well-formed opaque token and uses it as the user
// ID. Only for local development.
type DevValidator struct{}

// ValidateToken implements TokenValidator.
func (DevValidator) ValidateToken(_ context.Context, token string) (domain.Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Principal{}, ErrMissingToken
	}
	if !devTokenPattern.MatchString(token) {
		return domain.Principal{}, ErrInvalidToken
	}
	return domain.Principal{UserID: token, Username: deriveUsername(token)}, nil
}

func deriveUsername(userID string) string {
	if len(userID) > 13 {
		return "user-" + userID[len(userID)-8:]
	}
	return "user-" + userID
}
