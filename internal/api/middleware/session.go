package middleware

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// SessionCookie 是存放会话令牌的 Cookie 名。
const SessionCookie = "hg_session"

type sessionClaims struct {
	jwt.RegisteredClaims
	Staff bool `json:"staff"`
}

// Revoker 查询令牌是否已被注销。
type Revoker interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// SessionMiddleware 校验会话 Cookie 并将 userID 写入上下文。
//
// 未登录（无 Cookie、令牌无效或已注销）的请求重定向到登录页，
// 并携带 next 参数以便登录后返回原路径。
func SessionMiddleware(jwtSecret string, revoker Revoker) gin.HandlerFunc {
	secret := []byte(jwtSecret)
	return func(c *gin.Context) {
		tokenStr, err := c.Cookie(SessionCookie)
		if err != nil || tokenStr == "" {
			redirectToLogin(c)
			return
		}

		claims := &sessionClaims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
			return secret, nil
		})
		if err != nil || !token.Valid || claims.Subject == "" {
			redirectToLogin(c)
			return
		}

		if revoker != nil && claims.ID != "" {
			revoked, err := revoker.IsRevoked(c.Request.Context(), claims.ID)
			if err == nil && revoked {
				redirectToLogin(c)
				return
			}
		}

		uid, err := strconv.ParseUint(claims.Subject, 10, 64)
		if err != nil {
			redirectToLogin(c)
			return
		}

		c.Set("userID", uint(uid))
		c.Set("isStaff", claims.Staff)
		c.Next()
	}
}

func redirectToLogin(c *gin.Context) {
	next := c.Request.URL.RequestURI()
	if next == "" || !strings.HasPrefix(next, "/") {
		next = "/"
	}
	c.Redirect(http.StatusFound, "/login/?next="+url.QueryEscape(next))
	c.Abort()
}
