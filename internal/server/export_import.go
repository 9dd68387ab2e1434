package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"shellgate/internal/config"
	"shellgate/internal/models"
)

// Export 导出完整服务器配置（含真实密码），便于迁移或备份。
// 只在配置了加密口令时可用，导出内容为 age 加密的 ASCII armor
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.store == nil || !h.store.Encrypted() {
		http.Error(w, "未配置加密口令，不能导出", http.StatusConflict)
		return
	}
	data, err := h.store.Encode(h.gate.Records())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="shellgate-profiles.age"`)
	_, _ = w.Write(data)
}

// ImportReq 导入请求：profiles 为明文列表，armored 为 Export 的输出，二者取其一；
// replace 为 true 时替换全部，false 时按 id 合并
type ImportReq struct {
	Profiles []models.ProfileRecord `json:"profiles"`
	Armored  string                 `json:"armored"`
	Replace  bool                   `json:"replace"`
}

// Import 导入配置：replace 时替换全部，否则按 id 合并（存在则更新，不存在则追加）
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req ImportReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	records := req.Profiles
	if req.Armored != "" {
		if h.store == nil {
			http.Error(w, "未配置加密口令，不能导入加密内容", http.StatusConflict)
			return
		}
		var err error
		records, err = h.store.Decode([]byte(req.Armored))
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, config.ErrPassphraseRequired) {
				status = http.StatusConflict
			}
			http.Error(w, err.Error(), status)
			return
		}
	}
	if records == nil {
		records = []models.ProfileRecord{}
	}

	if err := h.gate.Restore(records, req.Replace); err != nil {
		h.fail(w, err)
		return
	}
	h.persist()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"count":  len(h.gate.Profiles()),
	})
}
