package services

import (
	"crypto/subtle"
	"errors"
	"time"

	"custcat-prediction-api/config"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrLoginDisabled      = errors.New("admin login is not configured")
)

const RoleAdmin = "admin"

type AuthService struct {
	jwtSecret []byte
	expiryH   int
	adminUser string
	adminHash string
}

func NewAuthService(cfg config.JWTConfig) *AuthService {
	return &AuthService{
		jwtSecret: []byte(cfg.Secret),
		expiryH:   cfg.ExpiryHours,
		adminUser: cfg.AdminUser,
		adminHash: cfg.AdminPasswordHash,
	}
}

func (s *AuthService) HashPassword(plain string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	return string(bytes), err
}

func (s *AuthService) CheckPassword(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// Authenticate checks the admin credentials and issues a token.
func (s *AuthService) Authenticate(username, password string) (string, error) {
	if s.adminHash == "" {
		return "", ErrLoginDisabled
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.adminUser)) == 1
	passOK := s.CheckPassword(s.adminHash, password)
	if !userOK || !passOK {
		return "", ErrInvalidCredentials
	}
	return s.GenerateToken(username, RoleAdmin)
}

type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

func (s *AuthService) GenerateToken(username, role string) (string, error) {
	claims := Claims{
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: username,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(
				time.Duration(s.expiryH) * time.Hour,
			)),
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{},
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return s.jwtSecret, nil
		},
	)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
