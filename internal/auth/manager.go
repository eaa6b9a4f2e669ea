// Package auth は Bearer トークン（JWT）による利用者の識別と、利用者ごとの流量制限を提供します。
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// ContextUserKey は、ハンドラー間で認証済みの利用者IDを共有するためのキーです。
const ContextUserKey = "auth.user"

// tokenQueryParam は WebSocket 接続でヘッダーを付けられないクライアント向けのパラメータです。
const tokenQueryParam = "token"

var (
	errMissingToken = errors.New("missing bearer token")
	errInvalidToken = errors.New("invalid token")
)

// Manager はトークンの検証と発行を行います。
type Manager struct {
	secret []byte
	now    func() time.Time
}

// NewManager は認証マネージャーを作成します。
func NewManager(secret string) *Manager {
	return &Manager{
		secret: []byte(secret),
		now:    time.Now,
	}
}

// IssueToken は userID を sub に持つトークンを発行します（開発・テスト用）。
func (m *Manager) IssueToken(userID string, ttl time.Duration) (string, error) {
	if len(m.secret) == 0 {
		return "", errors.New("JWT_SECRET が設定されていません")
	}
	now := m.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	return token.SignedString(m.secret)
}

// ParseToken はトークンを検証し、利用者IDを返します。
func (m *Manager) ParseToken(tokenString string) (string, error) {
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", errInvalidToken
	}
	return claims.Subject, nil
}

// RequireUser はトークンを検証するミドルウェアを返します。
// Authorization ヘッダーを優先し、無ければ token クエリを見ます。
func (m *Manager) RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(m.secret) == 0 {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"code":    "SERVER_MISCONFIGURATION",
				"message": "JWT_SECRET が設定されていません",
			})
			return
		}

		raw, err := bearerToken(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "ログインが必要です",
			})
			return
		}
		userID, err := m.ParseToken(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "TOKEN_INVALID",
				"message": "トークンが無効か有効期限が切れています",
			})
			return
		}

		c.Set(ContextUserKey, userID)
		c.Next()
	}
}

// UserID は RequireUser が設定した利用者IDを返します。
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserKey)
}

func bearerToken(c *gin.Context) (string, error) {
	header := c.GetHeader("Authorization")
	if header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return "", errMissingToken
		}
		return strings.TrimSpace(token), nil
	}
	if token := c.Query(tokenQueryParam); token != "" {
		return token, nil
	}
	return "", errMissingToken
}
