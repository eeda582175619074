package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"
)

// adminHandlers 管理与监控接口
type adminHandlers struct {
	room *Room
	log  *zap.SugaredLogger
}

// config 读取或更新可热更新配置
// GET  /admin/config  返回当前配置
// POST /admin/config  以 JSON 载荷更新部分字段，例如 {"idleTimeoutMs":30000}
func (a *adminHandlers) getConfig(w http.ResponseWriter, r *http.Request) {
	cur, err := a.room.Settings(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, cur)
}

func (a *adminHandlers) postConfig(w http.ResponseWriter, r *http.Request) {
	var body Settings
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := a.room.UpdateSettings(r.Context(), body); err != nil {
		if errors.Is(err, ErrRoomClosed) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		a.log.Debugw("config update rejected", "err", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// stats GET /admin/stats 输出房间运行状态
func (a *adminHandlers) stats(w http.ResponseWriter, r *http.Request) {
	s, err := a.room.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// entities GET /admin/entities 输出当前全量快照
func (a *adminHandlers) entities(w http.ResponseWriter, r *http.Request) {
	list, err := a.room.Snapshot(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": list})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
