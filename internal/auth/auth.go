package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	issuer    = "account-sync"
	roleAdmin = "admin"
)

var (
	// ErrInvalidCredentials indicates that provided login credentials are incorrect.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidToken covers malformed, expired and foreign tokens alike.
	ErrInvalidToken = errors.New("invalid token")
	// ErrNotConfigured is returned when no admin password hash or signing secret is set.
	ErrNotConfigured = errors.New("admin authentication is not configured")
)

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator checks the single admin account and issues HS256 bearer tokens for it.
type Authenticator struct {
	adminUser    string
	passwordHash []byte
	secret       []byte
	ttl          time.Duration
	now          func() time.Time
}

func NewAuthenticator(adminUser, passwordHash, secret string, ttl time.Duration) *Authenticator {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Authenticator{
		adminUser:    strings.TrimSpace(adminUser),
		passwordHash: []byte(strings.TrimSpace(passwordHash)),
		secret:       []byte(secret),
		ttl:          ttl,
		now:          time.Now,
	}
}

func (a *Authenticator) configured() bool {
	return a.adminUser != "" && len(a.passwordHash) > 0 && len(a.secret) > 0
}

// Login returns a signed token and its expiry for valid admin credentials.
func (a *Authenticator) Login(username, password string) (string, time.Time, error) {
	if !a.configured() {
		return "", time.Time{}, ErrNotConfigured
	}
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return "", time.Time{}, ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(username), []byte(a.adminUser)) != 1 {
		return "", time.Time{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)); err != nil {
		return "", time.Time{}, ErrInvalidCredentials
	}

	now := a.now()
	expires := now.Add(a.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: roleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Verify parses token and checks signature, issuer, expiry and role.
func (a *Authenticator) Verify(token string) (*Claims, error) {
	if len(a.secret) == 0 {
		return nil, ErrNotConfigured
	}
	claims := new(Claims)
	parser := jwt.NewParser(
		jwt.WithIssuer(issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	)
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil || !parsed.Valid || claims.Role != roleAdmin {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// HashPassword produces the bcrypt hash expected in auth.adminpasswordhash.
func HashPassword(password string) (string, error) {
	if len(password) < 8 {
		return "", errors.New("password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
