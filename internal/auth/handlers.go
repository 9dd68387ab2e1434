package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// 响应格式与 /api 其余接口一致：成功 {"status":"ok"}，失败 {"error":"..."}
func reply(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func replyError(w http.ResponseWriter, status int, msg string) {
	reply(w, status, map[string]string{"error": msg})
}

func replyOK(w http.ResponseWriter) {
	reply(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decode 校验方法并解析 JSON 请求体，失败时已写出响应
func decode(w http.ResponseWriter, r *http.Request, method string, v interface{}) bool {
	if r.Method != method {
		replyError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	if v == nil {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		replyError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

// fail 记审计与日志后返回错误
func (g *Guard) fail(w http.ResponseWriter, r *http.Request, action string, status int, msg string) {
	g.audit.Auth(action, r.RemoteAddr, "failure", msg)
	if status >= http.StatusInternalServerError {
		g.logger.Error("认证请求失败", zap.String("action", action), zap.String("err", msg))
	} else {
		g.logger.Warn("认证请求被拒绝", zap.String("action", action), zap.String("remote", r.RemoteAddr), zap.String("reason", msg))
	}
	replyError(w, status, msg)
}

func (g *Guard) succeed(w http.ResponseWriter, r *http.Request, action string) {
	g.audit.Auth(action, r.RemoteAddr, "success", "")
	g.logger.Info("认证操作成功", zap.String("action", action), zap.String("remote", r.RemoteAddr))
	replyOK(w)
}

// StatusResp 认证状态。NeedSetup 仅在本机从未设置过主密码时为 true
type StatusResp struct {
	NeedSetup bool `json:"need_setup"`
	LoggedIn  bool `json:"logged_in"`
}

// Status GET /api/auth/status
func (g *Guard) Status(w http.ResponseWriter, r *http.Request) {
	if !decode(w, r, http.MethodGet, nil) {
		return
	}
	hasPwd, err := g.HasPassword()
	if err != nil {
		g.fail(w, r, "status", http.StatusInternalServerError, err.Error())
		return
	}
	reply(w, http.StatusOK, StatusResp{NeedSetup: !hasPwd, LoggedIn: hasPwd && g.LoggedIn(r)})
}

// SetupReq 首次设置主密码
type SetupReq struct {
	Password string `json:"password"`
	Confirm  string `json:"confirm"`
}

// Setup 仅首次可用。设置后不创建会话，客户端需用新密码登录
func (g *Guard) Setup(w http.ResponseWriter, r *http.Request) {
	var req SetupReq
	if !decode(w, r, http.MethodPost, &req) {
		return
	}
	hasPwd, err := g.HasPassword()
	if err != nil {
		g.fail(w, r, "setup", http.StatusInternalServerError, err.Error())
		return
	}
	if hasPwd {
		g.fail(w, r, "setup", http.StatusBadRequest, "主密码已设置")
		return
	}
	if status, msg := g.changePassword(req.Password, req.Confirm); status != http.StatusOK {
		g.fail(w, r, "setup", status, msg)
		return
	}
	g.succeed(w, r, "setup")
}

// changePassword 校验两次输入一致后写入新哈希
func (g *Guard) changePassword(pwd, confirm string) (int, string) {
	pwd, confirm = strings.TrimSpace(pwd), strings.TrimSpace(confirm)
	if pwd != confirm {
		return http.StatusBadRequest, "两次密码不一致"
	}
	if err := g.SetPassword(pwd); err != nil {
		if errors.Is(err, ErrPasswordTooShort) {
			return http.StatusBadRequest, err.Error()
		}
		return http.StatusInternalServerError, err.Error()
	}
	return http.StatusOK, ""
}

// checkPassword 带锁定的密码校验；返回非 200 时 msg 为拒绝原因
func (g *Guard) checkPassword(pwd string) (int, string) {
	if left, ok := g.locked(); ok {
		return http.StatusTooManyRequests, fmt.Sprintf("失败次数过多，请 %d 秒后重试", int(left.Seconds())+1)
	}
	ok, err := g.VerifyPassword(strings.TrimSpace(pwd))
	if err != nil {
		return http.StatusInternalServerError, err.Error()
	}
	if g.recordAttempt(ok) {
		g.logger.Warn("主密码连续错误，登录已锁定", zap.Duration("for", lockoutFor))
	}
	if !ok {
		return http.StatusUnauthorized, "密码错误"
	}
	return http.StatusOK, ""
}

// LoginReq 登录
type LoginReq struct {
	Password string `json:"password"`
}

// Login 验证主密码并创建会话；连续失败 maxFailures 次后锁定 lockoutFor
func (g *Guard) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginReq
	if !decode(w, r, http.MethodPost, &req) {
		return
	}
	if status, msg := g.checkPassword(req.Password); status != http.StatusOK {
		g.fail(w, r, "login", status, msg)
		return
	}
	g.createSession(w)
	g.succeed(w, r, "login")
}

// Logout 登出，无会话时同样返回成功
func (g *Guard) Logout(w http.ResponseWriter, r *http.Request) {
	if !decode(w, r, http.MethodPost, nil) {
		return
	}
	g.destroySession(w, r)
	g.succeed(w, r, "logout")
}

// ResetReq 重设主密码（需已登录）
type ResetReq struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
	Confirm         string `json:"confirm"`
}

// Reset 校验当前密码后写入新哈希。其它会话全部失效，当前请求获得新会话
func (g *Guard) Reset(w http.ResponseWriter, r *http.Request) {
	var req ResetReq
	if !decode(w, r, http.MethodPost, &req) {
		return
	}
	if strings.TrimSpace(req.CurrentPassword) == "" {
		g.fail(w, r, "reset", http.StatusBadRequest, "请输入当前密码")
		return
	}
	if status, msg := g.checkPassword(req.CurrentPassword); status != http.StatusOK {
		if status == http.StatusUnauthorized {
			msg = "当前密码错误"
		}
		g.fail(w, r, "reset", status, msg)
		return
	}
	if status, msg := g.changePassword(req.NewPassword, req.Confirm); status != http.StatusOK {
		g.fail(w, r, "reset", status, msg)
		return
	}
	g.destroyAll()
	g.createSession(w)
	g.succeed(w, r, "reset")
}
