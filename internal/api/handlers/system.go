// system.go — обработчик GET /api/v1/info (информация об экземпляре).
// Публичный endpoint (без аутентификации) для service discovery и мониторинга.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/bigkaa/agraphstore/internal/config"
	"github.com/bigkaa/agraphstore/internal/graph"
	"github.com/bigkaa/agraphstore/internal/replica"
)

// SystemHandler — обработчик системных endpoints.
type SystemHandler struct {
	cfg  *config.Config
	g    *graph.Graph
	role replica.RoleProvider
}

// NewSystemHandler создаёт обработчик системных endpoints.
func NewSystemHandler(cfg *config.Config, g *graph.Graph, role replica.RoleProvider) *SystemHandler {
	return &SystemHandler{
		cfg:  cfg,
		g:    g,
		role: role,
	}
}

// instanceInfo — тело ответа GET /api/v1/info.
type instanceInfo struct {
	NodeID  string       `json:"node_id"`
	Role    replica.Role `json:"role"`
	Version string       `json:"version"`
	Graph   graphInfo    `json:"graph"`
}

// graphInfo — сводка по текущему состоянию графа.
type graphInfo struct {
	Version uint64 `json:"version"`
	Nodes   int    `json:"nodes"`
	Edges   int    `json:"edges"`
}

// GetInfo обрабатывает GET /api/v1/info.
// Без аутентификации. Возвращает информацию об экземпляре.
func (h *SystemHandler) GetInfo(w http.ResponseWriter, _ *http.Request) {
	nodes, edges := h.g.Counts()

	resp := instanceInfo{
		NodeID:  h.cfg.NodeID,
		Role:    h.role.CurrentRole(),
		Version: config.Version,
		Graph: graphInfo{
			Version: h.g.Version(),
			Nodes:   nodes,
			Edges:   edges,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
