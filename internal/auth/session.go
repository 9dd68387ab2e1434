package auth

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

const (
	cookieName   = "shellgate_session"
	sessionTTL   = 24 * time.Hour
	cookieMaxAge = 86400 // 24h in seconds
)

func (g *Guard) createSession(w http.ResponseWriter) string {
	id := uuid.NewString()
	g.mu.Lock()
	g.sessions[id] = g.now().Add(sessionTTL)
	g.mu.Unlock()
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   cookieMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

// LoggedIn 请求是否携带有效会话
func (g *Guard) LoggedIn(r *http.Request) bool {
	c, err := r.Cookie(cookieName)
	if err != nil || c.Value == "" {
		return false
	}
	g.mu.RLock()
	exp, ok := g.sessions[c.Value]
	g.mu.RUnlock()
	if !ok {
		return false
	}
	if g.now().After(exp) {
		g.mu.Lock()
		delete(g.sessions, c.Value)
		g.mu.Unlock()
		return false
	}
	return true
}

func (g *Guard) destroySession(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(cookieName)
	if err == nil && c.Value != "" {
		g.mu.Lock()
		delete(g.sessions, c.Value)
		g.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// destroyAll 重设主密码后旧会话全部失效
func (g *Guard) destroyAll() {
	g.mu.Lock()
	g.sessions = make(map[string]time.Time)
	g.mu.Unlock()
}
