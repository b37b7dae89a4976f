package handler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const sessionCookie = "sessionId"

// ActorKey 阅读计数使用的访问者标识
// 登录用户为 user:<id>；匿名用户优先使用会话 cookie，
// 没有 cookie 时用 IP 和 UA 生成指纹并写回 cookie，之后的请求保持同一个标识
func ActorKey(c *gin.Context, userID int64, maxAge time.Duration) string {
	if userID > 0 {
		return fmt.Sprintf("user:%d", userID)
	}

	if session, err := c.Cookie(sessionCookie); err == nil && session != "" {
		return "session:" + session
	}

	sum := sha256.Sum256([]byte(c.ClientIP() + "-" + c.Request.UserAgent()))
	fingerprint := hex.EncodeToString(sum[:])[:32]

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookie, fingerprint, int(maxAge.Seconds()), "/", "", c.Request.TLS != nil, true)
	return "session:" + fingerprint
}
