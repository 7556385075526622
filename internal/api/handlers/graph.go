// graph.go — обработчики Graph API: узлы, рёбра и запросы по графу.
// Мутации доступны только на экземпляре с ролью main; на remote
// возвращается 409 READ_ONLY_ROLE.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/agraphstore/internal/api/errors"
	"github.com/bigkaa/agraphstore/internal/domain/model"
	"github.com/bigkaa/agraphstore/internal/graph"
	"github.com/bigkaa/agraphstore/internal/replica"
	"github.com/bigkaa/agraphstore/internal/service"
)

// GraphHandler — обработчик endpoints графа.
type GraphHandler struct {
	g       *graph.Graph
	mutator *service.Mutator
	logger  *slog.Logger
}

// NewGraphHandler создаёт обработчик Graph API.
func NewGraphHandler(g *graph.Graph, mutator *service.Mutator, logger *slog.Logger) *GraphHandler {
	return &GraphHandler{
		g:       g,
		mutator: mutator,
		logger:  logger.With(slog.String("component", "graph_handler")),
	}
}

// mutationResponse — ответ на успешную мутацию.
type mutationResponse struct {
	Version uint64 `json:"version"`
}

// nodeResponse — ответ с одним узлом.
type nodeResponse struct {
	Node    *model.Node `json:"node"`
	Version uint64      `json:"version"`
}

// nodesResponse — ответ со списком узлов.
type nodesResponse struct {
	Nodes   []model.Node `json:"nodes"`
	Total   int          `json:"total"`
	Version uint64       `json:"version"`
}

// edgeResponse — ответ с одним ребром.
type edgeResponse struct {
	Edge    *model.Edge `json:"edge"`
	Version uint64      `json:"version"`
}

// edgesResponse — ответ со списком рёбер.
type edgesResponse struct {
	Edges   []model.Edge `json:"edges"`
	Total   int          `json:"total"`
	Version uint64       `json:"version"`
}

// writeJSON сериализует ответ со статусом status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeGraphError отображает доменную ошибку в HTTP-ответ.
func writeGraphError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, replica.ErrReadOnlyRole):
		apierrors.ReadOnlyRole(w, "Мутации недоступны: экземпляр работает в роли remote")
	case errors.Is(err, graph.ErrNodeNotFound):
		apierrors.NotFound(w, "Узел не найден")
	case errors.Is(err, graph.ErrEdgeNotFound):
		apierrors.NotFound(w, "Ребро не найдено")
	case errors.Is(err, graph.ErrDuplicateNode):
		apierrors.DuplicateNode(w, "Узел с таким ключом уже существует")
	case errors.Is(err, graph.ErrDuplicateEdge):
		apierrors.DuplicateEdge(w, "Ребро между этими узлами уже существует")
	case errors.Is(err, graph.ErrDanglingReference):
		apierrors.DanglingReference(w, "Ребро ссылается на несуществующий узел")
	default:
		logger.Error("Внутренняя ошибка обработки запроса",
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка")
	}
}

// GetGraph обрабатывает GET /api/v1/graph.
// Возвращает консистентный срез графа (узлы и рёбра отсортированы).
// Необязательные include-списки сужают срез до подграфа:
//   - nodes=a,b — оставить только перечисленные узлы
//   - edges=a:b,b:c — оставить только перечисленные рёбра (from:to)
//
// Рёбра с конечной точкой вне результата отбрасываются.
func (h *GraphHandler) GetGraph(w http.ResponseWriter, r *http.Request) {
	nodeKeys := splitListParam(r.URL.Query().Get("nodes"))

	var edgeRefs []model.EdgeRef
	if rawEdges := splitListParam(r.URL.Query().Get("edges")); rawEdges != nil {
		edgeRefs = make([]model.EdgeRef, 0, len(rawEdges))
		for _, raw := range rawEdges {
			from, to, ok := strings.Cut(raw, ":")
			if !ok || from == "" || to == "" {
				apierrors.ValidationError(w, "Параметр edges: ожидается пара from:to, получено "+raw)
				return
			}
			edgeRefs = append(edgeRefs, model.EdgeRef{From: from, To: to})
		}
	}

	writeJSON(w, http.StatusOK, h.g.FilterSnapshot(nodeKeys, edgeRefs))
}

// RetainGraph обрабатывает GET /api/v1/graph/retain?nodes=a,b.
// Возвращает подграф из перечисленных узлов и рёбер между ними.
// Каждый ключ обязан существовать, иначе 404.
func (h *GraphHandler) RetainGraph(w http.ResponseWriter, r *http.Request) {
	nodeKeys := splitListParam(r.URL.Query().Get("nodes"))
	if nodeKeys == nil {
		apierrors.ValidationError(w, "Параметр nodes обязателен")
		return
	}

	snap, err := h.g.RetainSnapshot(nodeKeys)
	if err != nil {
		writeGraphError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

// splitListParam разбирает список через запятую; пустой параметр — nil.
func splitListParam(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// --- Узлы ---

// ListNodes обрабатывает GET /api/v1/nodes.
func (h *GraphHandler) ListNodes(w http.ResponseWriter, _ *http.Request) {
	nodes := h.g.Nodes()
	writeJSON(w, http.StatusOK, nodesResponse{
		Nodes:   nodes,
		Total:   len(nodes),
		Version: h.g.Version(),
	})
}

// CreateNode обрабатывает POST /api/v1/nodes.
func (h *GraphHandler) CreateNode(w http.ResponseWriter, r *http.Request) {
	var node model.Node
	if err := json.NewDecoder(r.Body).Decode(&node); err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса: "+err.Error())
		return
	}
	if node.Key == "" {
		apierrors.ValidationError(w, "Поле key обязательно")
		return
	}

	version, err := h.mutator.Apply(model.Mutation{
		Type: model.MutationAddNode,
		Node: &node,
	})
	if err != nil {
		writeGraphError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, nodeResponse{Node: &node, Version: version})
}

// GetNode обрабатывает GET /api/v1/nodes/{key}.
func (h *GraphHandler) GetNode(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	node, err := h.g.GetNode(key)
	if err != nil {
		writeGraphError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, nodeResponse{Node: node, Version: h.g.Version()})
}

// UpdateNode обрабатывает PUT /api/v1/nodes/{key}.
// Ключ берётся из пути, тело содержит новые свойства узла.
func (h *GraphHandler) UpdateNode(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var node model.Node
	if err := json.NewDecoder(r.Body).Decode(&node); err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса: "+err.Error())
		return
	}
	node.Key = key

	version, err := h.mutator.Apply(model.Mutation{
		Type: model.MutationUpdateNode,
		Node: &node,
	})
	if err != nil {
		writeGraphError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, nodeResponse{Node: &node, Version: version})
}

// DeleteNode обрабатывает DELETE /api/v1/nodes/{key}.
// Вместе с узлом удаляются все инцидентные рёбра.
func (h *GraphHandler) DeleteNode(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	version, err := h.mutator.Apply(model.Mutation{
		Type: model.MutationRemoveNode,
		Key:  key,
	})
	if err != nil {
		writeGraphError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, mutationResponse{Version: version})
}

// GetNeighbors обрабатывает GET /api/v1/nodes/{key}/neighbors.
// Возвращает узлы, достижимые по исходящим рёбрам.
func (h *GraphHandler) GetNeighbors(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	neighbors, err := h.g.Neighbors(key)
	if err != nil {
		writeGraphError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, nodesResponse{
		Nodes:   neighbors,
		Total:   len(neighbors),
		Version: h.g.Version(),
	})
}

// GetSources обрабатывает GET /api/v1/nodes/sources.
// Возвращает узлы без входящих рёбер.
func (h *GraphHandler) GetSources(w http.ResponseWriter, _ *http.Request) {
	nodes := h.g.SourceNodes()
	writeJSON(w, http.StatusOK, nodesResponse{
		Nodes:   nodes,
		Total:   len(nodes),
		Version: h.g.Version(),
	})
}

// GetSinks обрабатывает GET /api/v1/nodes/sinks.
// Возвращает узлы без исходящих рёбер.
func (h *GraphHandler) GetSinks(w http.ResponseWriter, _ *http.Request) {
	nodes := h.g.SinkNodes()
	writeJSON(w, http.StatusOK, nodesResponse{
		Nodes:   nodes,
		Total:   len(nodes),
		Version: h.g.Version(),
	})
}

// --- Рёбра ---

// ListEdges обрабатывает GET /api/v1/edges.
func (h *GraphHandler) ListEdges(w http.ResponseWriter, _ *http.Request) {
	edges := h.g.Edges()
	writeJSON(w, http.StatusOK, edgesResponse{
		Edges:   edges,
		Total:   len(edges),
		Version: h.g.Version(),
	})
}

// CreateEdge обрабатывает POST /api/v1/edges.
// Оба узла ребра должны существовать.
func (h *GraphHandler) CreateEdge(w http.ResponseWriter, r *http.Request) {
	var edge model.Edge
	if err := json.NewDecoder(r.Body).Decode(&edge); err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса: "+err.Error())
		return
	}
	if edge.From == "" || edge.To == "" {
		apierrors.ValidationError(w, "Поля from и to обязательны")
		return
	}

	version, err := h.mutator.Apply(model.Mutation{
		Type: model.MutationAddEdge,
		Edge: &edge,
	})
	if err != nil {
		writeGraphError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, edgeResponse{Edge: &edge, Version: version})
}

// GetEdge обрабатывает GET /api/v1/edges/{from}/{to}.
func (h *GraphHandler) GetEdge(w http.ResponseWriter, r *http.Request) {
	from := chi.URLParam(r, "from")
	to := chi.URLParam(r, "to")

	edge, err := h.g.GetEdge(from, to)
	if err != nil {
		writeGraphError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, edgeResponse{Edge: edge, Version: h.g.Version()})
}

// UpdateEdge обрабатывает PUT /api/v1/edges/{from}/{to}.
// Конечные точки берутся из пути, тело содержит новые атрибуты ребра.
func (h *GraphHandler) UpdateEdge(w http.ResponseWriter, r *http.Request) {
	from := chi.URLParam(r, "from")
	to := chi.URLParam(r, "to")

	var edge model.Edge
	if err := json.NewDecoder(r.Body).Decode(&edge); err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса: "+err.Error())
		return
	}
	edge.From = from
	edge.To = to

	version, err := h.mutator.Apply(model.Mutation{
		Type: model.MutationUpdateEdge,
		Edge: &edge,
	})
	if err != nil {
		writeGraphError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, edgeResponse{Edge: &edge, Version: version})
}

// DeleteEdge обрабатывает DELETE /api/v1/edges/{from}/{to}.
func (h *GraphHandler) DeleteEdge(w http.ResponseWriter, r *http.Request) {
	from := chi.URLParam(r, "from")
	to := chi.URLParam(r, "to")

	version, err := h.mutator.Apply(model.Mutation{
		Type: model.MutationRemoveEdge,
		From: from,
		To:   to,
	})
	if err != nil {
		writeGraphError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, mutationResponse{Version: version})
}
