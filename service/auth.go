/*
Package service - 用户认证服务

=== JWT (JSON Web Token) 简介 ===

JWT 是一种无状态的认证机制，由三部分组成：

	Header.Payload.Signature
	(头部).(载荷).(签名)

	 1. Header（头部）: 算法类型
	    {"alg": "HS256", "typ": "JWT"}

	 2. Payload（载荷）: 用户数据
	    {"user_id": 7, "username": "alice", "exp": 1699999999}

	 3. Signature（签名）: 防篡改
	    HMAC-SHA256(Header + Payload, 密钥)

=== 在握手中的位置 ===

	Client                         Node
	  │ ◀──── ConnectionAck ──────── │
	  │ ───── Auth{token} ─────────▶ │  JWTAuthenticator.Authenticate
	  │                              │  本地验证签名，无需查询 Redis
	  │ ◀──── AuthAck{user_id} ───── │

任何节点都能验证 Token，天然支持多节点部署。
*/
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"go-realtime/pkg/apperr"
	"go-realtime/server"
)

// ==================== 配置常量 ====================

// DefaultTokenExpire Token 过期时间
const DefaultTokenExpire = 24 * time.Hour

const tokenIssuer = "go-realtime"

// ==================== 错误定义 ====================

var (
	// ErrInvalidToken Token 无效（格式错误或签名不匹配）
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired Token 已过期
	ErrTokenExpired = errors.New("token expired")
)

// ==================== Claims 结构 ====================

// Claims JWT 载荷
type Claims struct {
	UserID   uint64 `json:"user_id"`
	Username string `json:"username"`

	// ExpiresAt / IssuedAt / Issuer
	jwt.RegisteredClaims
}

// ==================== 认证器 ====================

// JWTAuthenticator HS256 Token 的签发和校验
type JWTAuthenticator struct {
	secret []byte
	expire time.Duration
	now    func() time.Time
}

var _ server.Authenticator = (*JWTAuthenticator)(nil)

// NewJWTAuthenticator 创建认证器，expire <= 0 时使用 DefaultTokenExpire
func NewJWTAuthenticator(secret string, expire time.Duration) (*JWTAuthenticator, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret is empty: %w", apperr.ErrInvalidConfig)
	}
	if expire <= 0 {
		expire = DefaultTokenExpire
	}
	return &JWTAuthenticator{secret: []byte(secret), expire: expire, now: time.Now}, nil
}

// GenerateToken 签发 Token
//
//	token, err := auth.GenerateToken(7, "alice")
func (a *JWTAuthenticator) GenerateToken(userID uint64, username string) (string, error) {
	now := a.now()
	claims := &Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(a.expire)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ValidateToken 校验签名和过期时间，返回载荷
func (a *JWTAuthenticator) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(*jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == 0 {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authenticate 实现 server.Authenticator
func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (server.Identity, error) {
	claims, err := a.ValidateToken(token)
	if err != nil {
		return server.Identity{}, fmt.Errorf("%w: %w", err, apperr.ErrUnauthorized)
	}
	return server.Identity{UserID: claims.UserID, Nickname: claims.Username}, nil
}
