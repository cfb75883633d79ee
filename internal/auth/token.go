// Package auth 簽發與驗證推播連線使用的 JWT
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// 呼叫者角色；service 是出勤、付款等下游服務
const (
	RoleWorker     = "worker"
	RoleContractor = "contractor"
	RoleService    = "service"
)

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrWrongRole    = errors.New("auth: token role not allowed")
)

// Claims 連線身分：Subject 為工人手機或承包商 ID
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier 以 HS256 共用密鑰簽發與驗證
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Issue 簽發 token
func (v *Verifier) Issue(subject, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Verify 驗證簽章與期限，並檢查角色
func (v *Verifier) Verify(raw, role string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if role != "" && claims.Role != role {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrWrongRole, claims.Role, role)
	}
	return claims, nil
}
