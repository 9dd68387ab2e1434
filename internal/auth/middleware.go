package auth

import (
	"net/http"

	"go.uber.org/zap"
)

// RequireAuth 未登录或会话过期时返回 401，不进入 next
func (g *Guard) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.LoggedIn(r) {
			next(w, r)
			return
		}
		g.logger.Debug("未登录的请求", zap.String("path", r.URL.Path), zap.String("remote", r.RemoteAddr))
		replyError(w, http.StatusUnauthorized, "unauthorized")
	}
}
