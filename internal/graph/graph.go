// Пакет graph — потокобезопасное in-memory состояние графа.
//
// Graph обслуживает три пути доступа: локальные записи (только main),
// чтение консистентных снапшотов (Replication Server, персистентность,
// запросы) и применение реплицированных снапшотов (только follower).
// Мутации и применение снапшотов сериализованы через sync.RWMutex;
// читатели получают полные копии и никогда не видят частично
// применённое состояние.
//
// Версия монотонно растёт: каждая принятая мутация увеличивает её на 1,
// ApplySnapshot выставляет версию входящего снапшота напрямую.
package graph

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bigkaa/agraphstore/internal/domain/model"
)

// Ошибки мутаций и применения снапшотов.
var (
	// ErrNodeNotFound — узел с указанным ключом не существует.
	ErrNodeNotFound = errors.New("узел не найден")
	// ErrEdgeNotFound — ребро между указанными узлами не существует.
	ErrEdgeNotFound = errors.New("ребро не найдено")
	// ErrDuplicateNode — узел с таким ключом уже существует.
	ErrDuplicateNode = errors.New("узел с таким ключом уже существует")
	// ErrDuplicateEdge — ребро между этими узлами уже существует.
	ErrDuplicateEdge = errors.New("ребро между этими узлами уже существует")
	// ErrDanglingReference — конец ребра ссылается на несуществующий узел.
	ErrDanglingReference = errors.New("конец ребра ссылается на несуществующий узел")
	// ErrCorruptSnapshot — снапшот внутренне противоречив.
	ErrCorruptSnapshot = errors.New("снапшот повреждён")
	// ErrUnknownMutation — неизвестный тип мутации.
	ErrUnknownMutation = errors.New("неизвестный тип мутации")
)

// Graph — изменяемое состояние графа с монотонной версией.
type Graph struct {
	mu      sync.RWMutex
	nodes   map[string]*model.Node
	edges   map[string]*model.Edge // EdgeKey(from, to) → edge
	version uint64
	logger  *slog.Logger
}

// New создаёт пустой граф с версией 0.
func New(logger *slog.Logger) *Graph {
	return &Graph{
		nodes:  make(map[string]*model.Node),
		edges:  make(map[string]*model.Edge),
		logger: logger.With(slog.String("component", "graph")),
	}
}

// Version возвращает текущую версию графа.
func (g *Graph) Version() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.version
}

// Counts возвращает количество узлов и рёбер.
func (g *Graph) Counts() (nodes, edges int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes), len(g.edges)
}

// --- Мутации ---
// Каждая успешная мутация увеличивает версию на 1. Отклонённая мутация
// не меняет ни состояние, ни версию (всё-или-ничего на операцию).

// Apply применяет одну мутацию. Используется локальным путём записи
// на main, воспроизведением mutations log при старте и применением
// инкрементальной репликации на follower.
func (g *Graph) Apply(mut model.Mutation) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.applyLocked(mut)
}

// ApplyAt применяет мутацию и выставляет версию seq вместо инкремента.
// Используется при воспроизведении журнала и применении дельты от peer:
// версия после применения должна совпадать с версией источника.
func (g *Graph) ApplyAt(mut model.Mutation, seq uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.applyLocked(mut); err != nil {
		return err
	}
	g.version = seq
	return nil
}

// applyLocked применяет мутацию под уже взятым write lock.
func (g *Graph) applyLocked(mut model.Mutation) error {
	switch mut.Type {
	case model.MutationAddNode:
		if mut.Node == nil {
			return fmt.Errorf("%w: add_node без узла", ErrUnknownMutation)
		}
		return g.addNodeLocked(*mut.Node)
	case model.MutationUpdateNode:
		if mut.Node == nil {
			return fmt.Errorf("%w: update_node без узла", ErrUnknownMutation)
		}
		return g.updateNodeLocked(*mut.Node)
	case model.MutationRemoveNode:
		return g.removeNodeLocked(mut.Key)
	case model.MutationAddEdge:
		if mut.Edge == nil {
			return fmt.Errorf("%w: add_edge без ребра", ErrUnknownMutation)
		}
		return g.addEdgeLocked(*mut.Edge)
	case model.MutationUpdateEdge:
		if mut.Edge == nil {
			return fmt.Errorf("%w: update_edge без ребра", ErrUnknownMutation)
		}
		return g.updateEdgeLocked(*mut.Edge)
	case model.MutationRemoveEdge:
		return g.removeEdgeLocked(mut.From, mut.To)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMutation, mut.Type)
	}
}

func (g *Graph) addNodeLocked(node model.Node) error {
	if _, ok := g.nodes[node.Key]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateNode, node.Key)
	}

	copied := copyNode(node)
	g.nodes[node.Key] = &copied
	g.version++
	return nil
}

func (g *Graph) updateNodeLocked(node model.Node) error {
	if _, ok := g.nodes[node.Key]; !ok {
		return fmt.Errorf("%w: %q", ErrNodeNotFound, node.Key)
	}

	copied := copyNode(node)
	g.nodes[node.Key] = &copied
	g.version++
	return nil
}

// removeNodeLocked удаляет узел вместе со всеми инцидентными рёбрами.
func (g *Graph) removeNodeLocked(key string) error {
	if _, ok := g.nodes[key]; !ok {
		return fmt.Errorf("%w: %q", ErrNodeNotFound, key)
	}

	delete(g.nodes, key)
	for ek, edge := range g.edges {
		if edge.From == key || edge.To == key {
			delete(g.edges, ek)
		}
	}
	g.version++
	return nil
}

func (g *Graph) addEdgeLocked(edge model.Edge) error {
	if _, ok := g.nodes[edge.From]; !ok {
		return fmt.Errorf("%w: from=%q", ErrDanglingReference, edge.From)
	}
	if _, ok := g.nodes[edge.To]; !ok {
		return fmt.Errorf("%w: to=%q", ErrDanglingReference, edge.To)
	}

	ek := model.EdgeKey(edge.From, edge.To)
	if _, ok := g.edges[ek]; ok {
		return fmt.Errorf("%w: %q → %q", ErrDuplicateEdge, edge.From, edge.To)
	}

	copied := copyEdge(edge)
	g.edges[ek] = &copied
	g.version++
	return nil
}

func (g *Graph) updateEdgeLocked(edge model.Edge) error {
	ek := model.EdgeKey(edge.From, edge.To)
	if _, ok := g.edges[ek]; !ok {
		return fmt.Errorf("%w: %q → %q", ErrEdgeNotFound, edge.From, edge.To)
	}

	copied := copyEdge(edge)
	g.edges[ek] = &copied
	g.version++
	return nil
}

func (g *Graph) removeEdgeLocked(from, to string) error {
	ek := model.EdgeKey(from, to)
	if _, ok := g.edges[ek]; !ok {
		return fmt.Errorf("%w: %q → %q", ErrEdgeNotFound, from, to)
	}

	delete(g.edges, ek)
	g.version++
	return nil
}

// --- Снапшоты ---

// Snapshot возвращает консистентную копию графа на момент вызова.
// Узлы и рёбра отсортированы по ключам — сериализация детерминирована.
func (g *Graph) Snapshot() *model.Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	snap := &model.Snapshot{
		Version:   g.version,
		Nodes:     make([]model.Node, 0, len(g.nodes)),
		Edges:     make([]model.Edge, 0, len(g.edges)),
		CreatedAt: time.Now().UTC(),
	}

	for _, node := range g.nodes {
		snap.Nodes = append(snap.Nodes, copyNode(*node))
	}
	for _, edge := range g.edges {
		snap.Edges = append(snap.Edges, copyEdge(*edge))
	}

	sortSnapshot(snap)
	return snap
}

// FilterSnapshot возвращает срез подграфа по include-спискам.
// nil-список означает отсутствие фильтра по этой оси. Рёбра, у которых
// хотя бы одна конечная точка не вошла в результат, отбрасываются.
// Версия среза — текущая версия графа.
func (g *Graph) FilterSnapshot(nodeKeys []string, edgeRefs []model.EdgeRef) *model.Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	snap := &model.Snapshot{
		Version:   g.version,
		Nodes:     make([]model.Node, 0, len(g.nodes)),
		Edges:     make([]model.Edge, 0, len(g.edges)),
		CreatedAt: time.Now().UTC(),
	}

	kept := make(map[string]bool, len(g.nodes))
	if nodeKeys == nil {
		for key, node := range g.nodes {
			kept[key] = true
			snap.Nodes = append(snap.Nodes, copyNode(*node))
		}
	} else {
		for _, key := range nodeKeys {
			node, ok := g.nodes[key]
			if !ok || kept[key] {
				continue
			}
			kept[key] = true
			snap.Nodes = append(snap.Nodes, copyNode(*node))
		}
	}

	edgeIncluded := func(edge *model.Edge) bool {
		if edgeRefs == nil {
			return true
		}
		for _, ref := range edgeRefs {
			if ref.From == edge.From && ref.To == edge.To {
				return true
			}
		}
		return false
	}

	for _, edge := range g.edges {
		if !kept[edge.From] || !kept[edge.To] {
			continue
		}
		if !edgeIncluded(edge) {
			continue
		}
		snap.Edges = append(snap.Edges, copyEdge(*edge))
	}

	sortSnapshot(snap)
	return snap
}

// RetainSnapshot возвращает срез подграфа, содержащий только указанные
// узлы и рёбра между ними. Все ключи обязаны существовать.
func (g *Graph) RetainSnapshot(nodeKeys []string) (*model.Snapshot, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	kept := make(map[string]bool, len(nodeKeys))
	snap := &model.Snapshot{
		Version:   g.version,
		Nodes:     make([]model.Node, 0, len(nodeKeys)),
		Edges:     []model.Edge{},
		CreatedAt: time.Now().UTC(),
	}

	for _, key := range nodeKeys {
		node, ok := g.nodes[key]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrNodeNotFound, key)
		}
		if kept[key] {
			continue
		}
		kept[key] = true
		snap.Nodes = append(snap.Nodes, copyNode(*node))
	}

	for _, edge := range g.edges {
		if kept[edge.From] && kept[edge.To] {
			snap.Edges = append(snap.Edges, copyEdge(*edge))
		}
	}

	sortSnapshot(snap)
	return snap, nil
}

// sortSnapshot сортирует узлы и рёбра снапшота по ключам.
func sortSnapshot(snap *model.Snapshot) {
	sort.Slice(snap.Nodes, func(i, j int) bool {
		return snap.Nodes[i].Key < snap.Nodes[j].Key
	})
	sort.Slice(snap.Edges, func(i, j int) bool {
		if snap.Edges[i].From != snap.Edges[j].From {
			return snap.Edges[i].From < snap.Edges[j].From
		}
		return snap.Edges[i].To < snap.Edges[j].To
	})
}

// ValidateSnapshot проверяет внутреннюю согласованность снапшота:
// уникальность ключей и отсутствие висячих ссылок у рёбер.
func ValidateSnapshot(snap *model.Snapshot) error {
	keys := make(map[string]bool, len(snap.Nodes))
	for _, node := range snap.Nodes {
		if keys[node.Key] {
			return fmt.Errorf("%w: дубликат узла %q", ErrCorruptSnapshot, node.Key)
		}
		keys[node.Key] = true
	}

	seen := make(map[string]bool, len(snap.Edges))
	for _, edge := range snap.Edges {
		if !keys[edge.From] || !keys[edge.To] {
			return fmt.Errorf("%w: ребро %q → %q ссылается на несуществующий узел",
				ErrCorruptSnapshot, edge.From, edge.To)
		}
		ek := model.EdgeKey(edge.From, edge.To)
		if seen[ek] {
			return fmt.Errorf("%w: дубликат ребра %q → %q", ErrCorruptSnapshot, edge.From, edge.To)
		}
		seen[ek] = true
	}

	return nil
}

// ApplySnapshot целиком заменяет состояние графа содержимым снапшота
// и выставляет версию снапшота. Используется follower-ом и при старте.
// Повреждённый снапшот отклоняется без изменения состояния.
func (g *Graph) ApplySnapshot(snap *model.Snapshot) error {
	if err := ValidateSnapshot(snap); err != nil {
		return err
	}

	nodes := make(map[string]*model.Node, len(snap.Nodes))
	for _, node := range snap.Nodes {
		copied := copyNode(node)
		nodes[node.Key] = &copied
	}
	edges := make(map[string]*model.Edge, len(snap.Edges))
	for _, edge := range snap.Edges {
		copied := copyEdge(edge)
		edges[model.EdgeKey(edge.From, edge.To)] = &copied
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	oldVersion := g.version
	g.nodes = nodes
	g.edges = edges
	g.version = snap.Version

	g.logger.Debug("Снапшот применён",
		slog.Uint64("from_version", oldVersion),
		slog.Uint64("to_version", snap.Version),
		slog.Int("nodes", len(nodes)),
		slog.Int("edges", len(edges)),
	)

	return nil
}

// --- Запросы ---

// GetNode возвращает копию узла по ключу.
func (g *Graph) GetNode(key string) (*model.Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	node, ok := g.nodes[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNodeNotFound, key)
	}
	copied := copyNode(*node)
	return &copied, nil
}

// HasNode проверяет существование узла.
func (g *Graph) HasNode(key string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[key]
	return ok
}

// Nodes возвращает все узлы, отсортированные по ключу.
func (g *Graph) Nodes() []model.Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	nodes := make([]model.Node, 0, len(g.nodes))
	for _, node := range g.nodes {
		nodes = append(nodes, copyNode(*node))
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Key < nodes[j].Key })
	return nodes
}

// GetEdge возвращает копию ребра между узлами.
func (g *Graph) GetEdge(from, to string) (*model.Edge, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	edge, ok := g.edges[model.EdgeKey(from, to)]
	if !ok {
		return nil, fmt.Errorf("%w: %q → %q", ErrEdgeNotFound, from, to)
	}
	copied := copyEdge(*edge)
	return &copied, nil
}

// Edges возвращает все рёбра, отсортированные по (from, to).
func (g *Graph) Edges() []model.Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	edges := make([]model.Edge, 0, len(g.edges))
	for _, edge := range g.edges {
		edges = append(edges, copyEdge(*edge))
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
	return edges
}

// Neighbors возвращает узлы, в которые ведут исходящие рёбра из key.
func (g *Graph) Neighbors(key string) ([]model.Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[key]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrNodeNotFound, key)
	}

	var neighbors []model.Node
	for _, edge := range g.edges {
		if edge.From != key {
			continue
		}
		if node, ok := g.nodes[edge.To]; ok {
			neighbors = append(neighbors, copyNode(*node))
		}
	}
	sort.Slice(neighbors, func(i, j int) bool { return neighbors[i].Key < neighbors[j].Key })
	return neighbors, nil
}

// SourceNodes возвращает узлы без входящих рёбер.
func (g *Graph) SourceNodes() []model.Node {
	return g.externals(func(edge *model.Edge, key string) bool { return edge.To == key })
}

// SinkNodes возвращает узлы без исходящих рёбер.
func (g *Graph) SinkNodes() []model.Node {
	return g.externals(func(edge *model.Edge, key string) bool { return edge.From == key })
}

// externals возвращает узлы, для которых ни одно ребро не проходит
// проверку incident.
func (g *Graph) externals(incident func(*model.Edge, string) bool) []model.Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var result []model.Node
	for key, node := range g.nodes {
		found := false
		for _, edge := range g.edges {
			if incident(edge, key) {
				found = true
				break
			}
		}
		if !found {
			result = append(result, copyNode(*node))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result
}

// --- Копирование ---
// Все публичные методы возвращают и сохраняют копии,
// чтобы внешние изменения не приводили к data race.

func copyNode(node model.Node) model.Node {
	copied := node
	if node.Properties != nil {
		copied.Properties = make(map[string]string, len(node.Properties))
		for k, v := range node.Properties {
			copied.Properties[k] = v
		}
	}
	return copied
}

func copyEdge(edge model.Edge) model.Edge {
	copied := edge
	if edge.Properties != nil {
		copied.Properties = make(map[string]string, len(edge.Properties))
		for k, v := range edge.Properties {
			copied.Properties[k] = v
		}
	}
	return copied
}
