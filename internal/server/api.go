package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"shellgate/internal/auth"
	"shellgate/internal/config"
	"shellgate/internal/gate"
	"shellgate/internal/session"
)

// Handler 本地控制接口。所有响应中的地址与密码都是虚拟凭证
type Handler struct {
	gate   *gate.Gate
	store  *config.ProfileStore
	guard  *auth.Guard
	logger *zap.Logger
}

// NewHandler store 为 nil 时不持久化；guard 为 nil 时不校验登录（仅测试使用）
func NewHandler(g *gate.Gate, store *config.ProfileStore, guard *auth.Guard, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{gate: g, store: store, guard: guard, logger: logger}
}

// Routes 注册全部接口
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	// 认证：状态、首次设置密码、登录、登出（无需登录）
	if h.guard != nil {
		mux.HandleFunc("/api/auth/status", h.guard.Status)
		mux.HandleFunc("/api/auth/setup", h.guard.Setup)
		mux.HandleFunc("/api/auth/login", h.guard.Login)
		mux.HandleFunc("/api/auth/logout", h.guard.Logout)
		mux.HandleFunc("/api/auth/reset", h.guard.RequireAuth(h.guard.Reset))
	}
	// 以下接口需登录
	mux.HandleFunc("/api/profiles", h.requireAuth(h.ProfilesAPI))
	mux.HandleFunc("/api/profiles/", h.requireAuth(h.ProfilesAPI))
	mux.HandleFunc("/api/current", h.requireAuth(h.CurrentAPI))
	mux.HandleFunc("/api/risk", h.requireAuth(h.Risk))
	mux.HandleFunc("/api/export", h.requireAuth(h.Export))
	mux.HandleFunc("/api/import", h.requireAuth(h.Import))
	return mux
}

func (h *Handler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	if h.guard == nil {
		return next
	}
	return h.guard.RequireAuth(next)
}

// ProfilesAPI 统一处理 /api/profiles、/api/profiles/:id 与 /api/profiles/:id/:action
func (h *Handler) ProfilesAPI(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")
	if path == "/api/profiles" {
		switch r.Method {
		case http.MethodGet:
			h.ListProfiles(w, r)
			return
		case http.MethodPost:
			h.CreateProfile(w, r)
			return
		}
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !strings.HasPrefix(path, "/api/profiles/") {
		http.NotFound(w, r)
		return
	}

	rest := strings.TrimPrefix(path, "/api/profiles/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "missing profile id", http.StatusBadRequest)
		return
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			h.GetProfile(w, r, id)
			return
		case http.MethodPut:
			h.UpdateProfile(w, r, id)
			return
		case http.MethodDelete:
			h.DeleteProfile(w, r, id)
			return
		}
	case "connect", "disconnect", "exec":
		if r.Method == http.MethodPost {
			switch action {
			case "connect":
				h.Connect(w, r, id)
			case "disconnect":
				h.Disconnect(w, r, id)
			default:
				h.Exec(w, r, id)
			}
			return
		}
	case "telemetry", "latency", "prompt":
		if r.Method == http.MethodGet {
			switch action {
			case "telemetry":
				h.Telemetry(w, r, id)
			case "latency":
				h.Latency(w, r, id)
			default:
				h.Prompt(w, r, id)
			}
			return
		}
	default:
		http.NotFound(w, r)
		return
	}
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

// ListProfiles 返回全部服务器
func (h *Handler) ListProfiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"profiles": h.gate.Profiles()})
}

// GetProfile 返回单个服务器
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request, id string) {
	view, err := h.gate.Profile(id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"profile": view})
}

// ProfileBody 创建/编辑时的请求体。
// 编辑时字段为 nil 表示不修改；回传虚拟地址或虚拟密码同样视为不修改
type ProfileBody struct {
	Name     *string `json:"name,omitempty"`
	Host     *string `json:"host,omitempty"`
	Port     *int    `json:"port,omitempty"`
	Username *string `json:"username,omitempty"`
	Password *string `json:"password,omitempty"`
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

// CreateProfile 添加服务器
func (h *Handler) CreateProfile(w http.ResponseWriter, r *http.Request) {
	var body ProfileBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	view, err := h.gate.AddProfile(session.ProfileInput{
		Name:     deref(body.Name),
		Host:     deref(body.Host),
		Port:     deref(body.Port),
		Username: deref(body.Username),
		Password: deref(body.Password),
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	h.persist()
	writeJSON(w, http.StatusCreated, map[string]interface{}{"profile": view})
}

// UpdateProfile 编辑服务器
func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request, id string) {
	var body ProfileBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	view, err := h.gate.UpdateProfile(id, session.ProfileUpdate{
		Name:     body.Name,
		Host:     body.Host,
		Port:     body.Port,
		Username: body.Username,
		Password: body.Password,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	h.persist()
	writeJSON(w, http.StatusOK, map[string]interface{}{"profile": view})
}

// DeleteProfile 删除服务器
func (h *Handler) DeleteProfile(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.gate.DeleteProfile(id); err != nil {
		h.fail(w, err)
		return
	}
	h.persist()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CurrentReq PUT /api/current 请求体
type CurrentReq struct {
	ID string `json:"id"`
}

// CurrentAPI GET 返回当前服务器，PUT 切换当前服务器
func (h *Handler) CurrentAPI(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		view, ok := h.gate.Current()
		if !ok {
			http.Error(w, "no current profile", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"profile": view})
	case http.MethodPut:
		var req CurrentReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
			http.Error(w, "invalid body, need {\"id\":\"...\"}", http.StatusBadRequest)
			return
		}
		if err := h.gate.SetCurrent(req.ID); err != nil {
			h.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// RiskReq POST /api/risk 请求体
type RiskReq struct {
	Command string `json:"command"`
}

// Risk 只评估不执行
func (h *Handler) Risk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req RiskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	a, need := h.gate.Assess(req.Command)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"assessment":   a,
		"need_confirm": need,
		"mode":         h.gate.Mode(),
	})
}

// persist 把当前配置写回磁盘，失败只记录日志
func (h *Handler) persist() {
	if h.store == nil {
		return
	}
	if err := h.store.Save(h.gate.Records()); err != nil {
		h.logger.Error("保存配置失败", zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// fail 按错误类型映射状态码；错误文本来自 Gate，已虚拟化
func (h *Handler) fail(w http.ResponseWriter, err error) {
	var (
		validationErrs validator.ValidationErrors
		connErr        *session.ConnectionError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrProfileNotFound):
		status = http.StatusNotFound
	case errors.As(err, &validationErrs):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrNotConnected):
		status = http.StatusConflict
	case errors.Is(err, gate.ErrDenied):
		status = http.StatusForbidden
	case errors.As(err, &connErr):
		status = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("请求处理失败", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
