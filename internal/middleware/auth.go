package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"speech_room/internal/utils"
)

// UserIDKey 是驗證成功後寫入 gin.Context 的使用者編號
const UserIDKey = "userID"

// bearerToken 從 Authorization 標頭取出 token，格式錯誤時回傳空字串
func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if !(len(parts) == 2 && parts[0] == "Bearer") {
		return "", true
	}
	return parts[1], true
}

// AuthMiddleware 要求請求帶有有效的 JWT token
func AuthMiddleware(tokens *utils.TokenManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, present := bearerToken(c)
		if !present {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "缺少 Authorization 標頭"})
			return
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization 格式必須為 Bearer {token}"})
			return
		}

		claims, err := tokens.ParseToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token 無效或已過期"})
			return
		}

		c.Set(UserIDKey, claims.UserID)
		c.Next()
	}
}

// OptionalAuth 有 token 時才解析，瀏覽器的 WebSocket 無法自訂標頭，所以也接受 ?token=
func OptionalAuth(tokens *utils.TokenManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := bearerToken(c)
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			c.Next()
			return
		}

		claims, err := tokens.ParseToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token 無效或已過期"})
			return
		}
		c.Set(UserIDKey, claims.UserID)
		c.Next()
	}
}

// CurrentUser 取出驗證過的使用者編號，匿名時回傳 0
func CurrentUser(c *gin.Context) uint {
	if v, ok := c.Get(UserIDKey); ok {
		if id, ok := v.(uint); ok {
			return id
		}
	}
	return 0
}
