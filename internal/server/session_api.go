package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"shellgate/internal/gate"
)

// probeTimeout 系统信息采集的上限
const probeTimeout = 30 * time.Second

// Connect 建立 SSH 连接
func (h *Handler) Connect(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.gate.Connect(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	view, err := h.gate.Profile(id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "profile": view})
}

// Disconnect 断开连接
func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.gate.Disconnect(id); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ExecReq POST /api/profiles/:id/exec 请求体。
// Confirmed 只应在人已经看过风险提示并同意后才置为 true
type ExecReq struct {
	Command   string `json:"command"`
	Confirmed bool   `json:"confirmed"`
}

// Exec 执行命令。需要确认但未确认时返回 403 及风险评估，客户端确认后带 confirmed 重试
func (h *Handler) Exec(w http.ResponseWriter, r *http.Request, id string) {
	var req ExecReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Command == "" {
		http.Error(w, "invalid body, need {\"command\":\"...\"}", http.StatusBadRequest)
		return
	}
	out, err := h.gate.Run(r.Context(), gate.Request{ProfileID: id, Command: req.Command, Confirmed: req.Confirmed})
	if err != nil {
		if errors.Is(err, gate.ErrDenied) {
			a, _ := h.gate.Assess(req.Command)
			writeJSON(w, http.StatusForbidden, map[string]interface{}{
				"error":        err.Error(),
				"assessment":   a,
				"need_confirm": true,
			})
			return
		}
		if out != nil {
			writeJSON(w, http.StatusBadGateway, map[string]interface{}{
				"error":   err.Error(),
				"outcome": out,
			})
			return
		}
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Telemetry 采集系统信息
func (h *Handler) Telemetry(w http.ResponseWriter, r *http.Request, id string) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()
	info, err := h.gate.Telemetry(ctx, id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"telemetry": info})
}

// Latency 延迟（毫秒），-1 表示未连接或探测失败
func (h *Handler) Latency(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := h.gate.Profile(id); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"latency_ms": h.gate.Latency(r.Context(), id)})
}

// Prompt 远端提示符
func (h *Handler) Prompt(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := h.gate.Profile(id); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"prompt": h.gate.Prompt(r.Context(), id)})
}
