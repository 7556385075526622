package graph

import (
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/bigkaa/agraphstore/internal/domain/model"
)

// testLogger возвращает логгер для тестов (вывод подавляется).
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // подавляем debug/info/warn в тестах
	}))
}

// addNode — вспомогательная функция добавления узла.
func addNode(t *testing.T, g *Graph, key string) {
	t.Helper()
	err := g.Apply(model.Mutation{
		Type: model.MutationAddNode,
		Node: &model.Node{Key: key},
	})
	if err != nil {
		t.Fatalf("ошибка добавления узла %q: %v", key, err)
	}
}

// addEdge — вспомогательная функция добавления ребра.
func addEdge(t *testing.T, g *Graph, from, to string) {
	t.Helper()
	err := g.Apply(model.Mutation{
		Type: model.MutationAddEdge,
		Edge: &model.Edge{From: from, To: to},
	})
	if err != nil {
		t.Fatalf("ошибка добавления ребра %q → %q: %v", from, to, err)
	}
}

// TestNew_EmptyGraph проверяет начальное состояние.
func TestNew_EmptyGraph(t *testing.T) {
	g := New(testLogger())

	if g.Version() != 0 {
		t.Errorf("ожидалась версия 0, получена %d", g.Version())
	}
	nodes, edges := g.Counts()
	if nodes != 0 || edges != 0 {
		t.Errorf("ожидался пустой граф, получено %d узлов и %d рёбер", nodes, edges)
	}
}

// TestApply_AddNode проверяет добавление узла и рост версии.
func TestApply_AddNode(t *testing.T) {
	g := New(testLogger())

	err := g.Apply(model.Mutation{
		Type: model.MutationAddNode,
		Node: &model.Node{Key: "a", Properties: map[string]string{"color": "red"}},
	})
	if err != nil {
		t.Fatalf("ошибка добавления узла: %v", err)
	}

	if g.Version() != 1 {
		t.Errorf("ожидалась версия 1, получена %d", g.Version())
	}

	node, err := g.GetNode("a")
	if err != nil {
		t.Fatalf("узел не найден после добавления: %v", err)
	}
	if node.Properties["color"] != "red" {
		t.Errorf("ожидалось свойство color=red, получено %q", node.Properties["color"])
	}
}

// TestApply_DuplicateNode проверяет отклонение дубликата без изменения версии.
func TestApply_DuplicateNode(t *testing.T) {
	g := New(testLogger())
	addNode(t, g, "a")

	err := g.Apply(model.Mutation{
		Type: model.MutationAddNode,
		Node: &model.Node{Key: "a"},
	})
	if !errors.Is(err, ErrDuplicateNode) {
		t.Fatalf("ожидалась ErrDuplicateNode, получено: %v", err)
	}

	if g.Version() != 1 {
		t.Errorf("версия не должна меняться при отклонённой мутации, получена %d", g.Version())
	}
}

// TestApply_UpdateMissingNode проверяет update несуществующего узла.
func TestApply_UpdateMissingNode(t *testing.T) {
	g := New(testLogger())

	err := g.Apply(model.Mutation{
		Type: model.MutationUpdateNode,
		Node: &model.Node{Key: "ghost"},
	})
	if !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("ожидалась ErrNodeNotFound, получено: %v", err)
	}
}

// TestApply_AddEdge_DanglingReference проверяет отклонение ребра
// с несуществующим концом.
func TestApply_AddEdge_DanglingReference(t *testing.T) {
	g := New(testLogger())
	addNode(t, g, "a")

	err := g.Apply(model.Mutation{
		Type: model.MutationAddEdge,
		Edge: &model.Edge{From: "a", To: "ghost"},
	})
	if !errors.Is(err, ErrDanglingReference) {
		t.Fatalf("ожидалась ErrDanglingReference, получено: %v", err)
	}
	if g.Version() != 1 {
		t.Errorf("версия не должна меняться, получена %d", g.Version())
	}
}

// TestApply_DuplicateEdge проверяет отклонение дубликата ребра.
func TestApply_DuplicateEdge(t *testing.T) {
	g := New(testLogger())
	addNode(t, g, "a")
	addNode(t, g, "b")
	addEdge(t, g, "a", "b")

	err := g.Apply(model.Mutation{
		Type: model.MutationAddEdge,
		Edge: &model.Edge{From: "a", To: "b"},
	})
	if !errors.Is(err, ErrDuplicateEdge) {
		t.Fatalf("ожидалась ErrDuplicateEdge, получено: %v", err)
	}
}

// TestApply_RemoveNode_CascadesEdges проверяет удаление узла
// вместе с инцидентными рёбрами.
func TestApply_RemoveNode_CascadesEdges(t *testing.T) {
	g := New(testLogger())
	addNode(t, g, "a")
	addNode(t, g, "b")
	addNode(t, g, "c")
	addEdge(t, g, "a", "b")
	addEdge(t, g, "b", "c")
	addEdge(t, g, "a", "c")

	err := g.Apply(model.Mutation{Type: model.MutationRemoveNode, Key: "b"})
	if err != nil {
		t.Fatalf("ошибка удаления узла: %v", err)
	}

	nodes, edges := g.Counts()
	if nodes != 2 {
		t.Errorf("ожидалось 2 узла, получено %d", nodes)
	}
	// a→b и b→c удалены, a→c осталось
	if edges != 1 {
		t.Errorf("ожидалось 1 ребро, получено %d", edges)
	}
	if _, err := g.GetEdge("a", "c"); err != nil {
		t.Errorf("ребро a → c должно сохраниться: %v", err)
	}
}

// TestApply_UnknownMutation проверяет отклонение неизвестного типа.
func TestApply_UnknownMutation(t *testing.T) {
	g := New(testLogger())

	err := g.Apply(model.Mutation{Type: "explode"})
	if !errors.Is(err, ErrUnknownMutation) {
		t.Fatalf("ожидалась ErrUnknownMutation, получено: %v", err)
	}
}

// TestApplyAt_SetsVersion проверяет выставление версии источника.
func TestApplyAt_SetsVersion(t *testing.T) {
	g := New(testLogger())

	err := g.ApplyAt(model.Mutation{
		Type: model.MutationAddNode,
		Node: &model.Node{Key: "a"},
	}, 42)
	if err != nil {
		t.Fatalf("ошибка применения мутации: %v", err)
	}

	if g.Version() != 42 {
		t.Errorf("ожидалась версия 42, получена %d", g.Version())
	}
}

// TestApplyAt_RejectedKeepsVersion проверяет, что отклонённая мутация
// не трогает версию.
func TestApplyAt_RejectedKeepsVersion(t *testing.T) {
	g := New(testLogger())
	addNode(t, g, "a")

	err := g.ApplyAt(model.Mutation{
		Type: model.MutationAddNode,
		Node: &model.Node{Key: "a"},
	}, 99)
	if !errors.Is(err, ErrDuplicateNode) {
		t.Fatalf("ожидалась ErrDuplicateNode, получено: %v", err)
	}
	if g.Version() != 1 {
		t.Errorf("ожидалась версия 1, получена %d", g.Version())
	}
}

// TestSnapshot_Sorted проверяет детерминированный порядок снапшота.
func TestSnapshot_Sorted(t *testing.T) {
	g := New(testLogger())
	addNode(t, g, "c")
	addNode(t, g, "a")
	addNode(t, g, "b")
	addEdge(t, g, "c", "a")
	addEdge(t, g, "a", "b")

	snap := g.Snapshot()

	if snap.Version != 5 {
		t.Errorf("ожидалась версия 5, получена %d", snap.Version)
	}
	for i, want := range []string{"a", "b", "c"} {
		if snap.Nodes[i].Key != want {
			t.Errorf("узел %d: ожидался ключ %q, получен %q", i, want, snap.Nodes[i].Key)
		}
	}
	if snap.Edges[0].From != "a" || snap.Edges[1].From != "c" {
		t.Errorf("рёбра не отсортированы: %v", snap.Edges)
	}
}

// TestSnapshot_Isolated проверяет, что изменение снапшота не влияет на граф.
func TestSnapshot_Isolated(t *testing.T) {
	g := New(testLogger())
	err := g.Apply(model.Mutation{
		Type: model.MutationAddNode,
		Node: &model.Node{Key: "a", Properties: map[string]string{"x": "1"}},
	})
	if err != nil {
		t.Fatalf("ошибка добавления узла: %v", err)
	}

	snap := g.Snapshot()
	snap.Nodes[0].Properties["x"] = "mutated"

	node, err := g.GetNode("a")
	if err != nil {
		t.Fatalf("узел не найден: %v", err)
	}
	if node.Properties["x"] != "1" {
		t.Errorf("изменение снапшота затронуло граф: x=%q", node.Properties["x"])
	}
}

// TestApplySnapshot_ReplacesState проверяет полную замену состояния.
func TestApplySnapshot_ReplacesState(t *testing.T) {
	g := New(testLogger())
	addNode(t, g, "old")

	err := g.ApplySnapshot(&model.Snapshot{
		Version: 10,
		Nodes:   []model.Node{{Key: "a"}, {Key: "b"}},
		Edges:   []model.Edge{{From: "a", To: "b"}},
	})
	if err != nil {
		t.Fatalf("ошибка применения снапшота: %v", err)
	}

	if g.Version() != 10 {
		t.Errorf("ожидалась версия 10, получена %d", g.Version())
	}
	if g.HasNode("old") {
		t.Error("старый узел должен быть замещён снапшотом")
	}
	if !g.HasNode("a") || !g.HasNode("b") {
		t.Error("узлы снапшота должны присутствовать")
	}
}

// TestApplySnapshot_Idempotent проверяет, что повторное применение того же
// снапшота не меняет состояние.
func TestApplySnapshot_Idempotent(t *testing.T) {
	g := New(testLogger())

	snap := &model.Snapshot{
		Version: 5,
		Nodes:   []model.Node{{Key: "a", Properties: map[string]string{"x": "1"}}, {Key: "b"}},
		Edges:   []model.Edge{{From: "a", To: "b", Weight: 2}},
	}

	if err := g.ApplySnapshot(snap); err != nil {
		t.Fatalf("ошибка первого применения: %v", err)
	}
	first := g.Snapshot()

	if err := g.ApplySnapshot(snap); err != nil {
		t.Fatalf("ошибка повторного применения: %v", err)
	}
	second := g.Snapshot()

	if second.Version != first.Version {
		t.Errorf("версия изменилась при повторном применении: %d -> %d",
			first.Version, second.Version)
	}
	if len(second.Nodes) != len(first.Nodes) || len(second.Edges) != len(first.Edges) {
		t.Errorf("состояние изменилось при повторном применении: узлов %d->%d, рёбер %d->%d",
			len(first.Nodes), len(second.Nodes), len(first.Edges), len(second.Edges))
	}
	if second.Nodes[0].Properties["x"] != "1" {
		t.Errorf("свойства узла изменились: %+v", second.Nodes[0].Properties)
	}
}

// TestApplySnapshot_Corrupt проверяет отклонение противоречивого снапшота
// без изменения состояния.
func TestApplySnapshot_Corrupt(t *testing.T) {
	g := New(testLogger())
	addNode(t, g, "keep")

	tests := []struct {
		name string
		snap *model.Snapshot
	}{
		{
			name: "дубликат узла",
			snap: &model.Snapshot{
				Version: 5,
				Nodes:   []model.Node{{Key: "a"}, {Key: "a"}},
			},
		},
		{
			name: "висячее ребро",
			snap: &model.Snapshot{
				Version: 5,
				Nodes:   []model.Node{{Key: "a"}},
				Edges:   []model.Edge{{From: "a", To: "ghost"}},
			},
		},
		{
			name: "дубликат ребра",
			snap: &model.Snapshot{
				Version: 5,
				Nodes:   []model.Node{{Key: "a"}, {Key: "b"}},
				Edges:   []model.Edge{{From: "a", To: "b"}, {From: "a", To: "b"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.ApplySnapshot(tt.snap)
			if !errors.Is(err, ErrCorruptSnapshot) {
				t.Fatalf("ожидалась ErrCorruptSnapshot, получено: %v", err)
			}
			if !g.HasNode("keep") {
				t.Error("состояние не должно меняться при отклонённом снапшоте")
			}
		})
	}
}

// TestNeighbors проверяет поиск соседей по исходящим рёбрам.
// filterTestGraph — граф из 4 узлов: a→b, b→c, c→d.
func filterTestGraph(t *testing.T) *Graph {
	t.Helper()
	g := New(testLogger())
	for _, key := range []string{"a", "b", "c", "d"} {
		addNode(t, g, key)
	}
	addEdge(t, g, "a", "b")
	addEdge(t, g, "b", "c")
	addEdge(t, g, "c", "d")
	return g
}

// TestFilterSnapshot_Nodes — include-список узлов отбрасывает рёбра
// с конечными точками вне результата.
func TestFilterSnapshot_Nodes(t *testing.T) {
	g := filterTestGraph(t)

	snap := g.FilterSnapshot([]string{"a", "b", "ghost"}, nil)

	if snap.Version != g.Version() {
		t.Errorf("версия среза должна совпадать с версией графа: %d != %d",
			snap.Version, g.Version())
	}
	if len(snap.Nodes) != 2 {
		t.Fatalf("ожидалось 2 узла (неизвестные ключи пропускаются), получено %d", len(snap.Nodes))
	}
	if len(snap.Edges) != 1 || snap.Edges[0].From != "a" || snap.Edges[0].To != "b" {
		t.Errorf("ожидалось единственное ребро a → b, получено: %+v", snap.Edges)
	}
}

// TestFilterSnapshot_Edges — include-список рёбер при полном наборе узлов.
func TestFilterSnapshot_Edges(t *testing.T) {
	g := filterTestGraph(t)

	snap := g.FilterSnapshot(nil, []model.EdgeRef{
		{From: "b", To: "c"},
		{From: "d", To: "a"}, // несуществующее — пропускается
	})

	if len(snap.Nodes) != 4 {
		t.Errorf("без фильтра узлов ожидалось 4 узла, получено %d", len(snap.Nodes))
	}
	if len(snap.Edges) != 1 || snap.Edges[0].From != "b" {
		t.Errorf("ожидалось единственное ребро b → c, получено: %+v", snap.Edges)
	}
}

// TestFilterSnapshot_NoFilters — nil-списки возвращают полный срез.
func TestFilterSnapshot_NoFilters(t *testing.T) {
	g := filterTestGraph(t)

	snap := g.FilterSnapshot(nil, nil)

	if len(snap.Nodes) != 4 || len(snap.Edges) != 3 {
		t.Errorf("ожидался полный срез 4/3, получено %d/%d", len(snap.Nodes), len(snap.Edges))
	}
	if snap.Nodes[0].Key != "a" || snap.Nodes[3].Key != "d" {
		t.Errorf("узлы должны быть отсортированы: %+v", snap.Nodes)
	}
}

// TestRetainSnapshot — подграф из перечисленных узлов и рёбер между ними.
func TestRetainSnapshot(t *testing.T) {
	g := filterTestGraph(t)

	snap, err := g.RetainSnapshot([]string{"b", "c", "d"})
	if err != nil {
		t.Fatalf("ошибка выборки подграфа: %v", err)
	}

	if len(snap.Nodes) != 3 {
		t.Errorf("ожидалось 3 узла, получено %d", len(snap.Nodes))
	}
	if len(snap.Edges) != 2 {
		t.Errorf("ожидалось 2 ребра (b→c, c→d), получено %d: %+v", len(snap.Edges), snap.Edges)
	}

	// Исходный граф не изменился
	if nodes, edges := g.Counts(); nodes != 4 || edges != 3 {
		t.Errorf("выборка не должна менять граф: %d узлов, %d рёбер", nodes, edges)
	}
}

// TestRetainSnapshot_UnknownKey — все ключи обязаны существовать.
func TestRetainSnapshot_UnknownKey(t *testing.T) {
	g := filterTestGraph(t)

	if _, err := g.RetainSnapshot([]string{"a", "ghost"}); !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("ожидалась ErrNodeNotFound, получено: %v", err)
	}
}

func TestNeighbors(t *testing.T) {
	g := New(testLogger())
	addNode(t, g, "a")
	addNode(t, g, "b")
	addNode(t, g, "c")
	addEdge(t, g, "a", "b")
	addEdge(t, g, "a", "c")
	addEdge(t, g, "b", "c")

	neighbors, err := g.Neighbors("a")
	if err != nil {
		t.Fatalf("ошибка запроса соседей: %v", err)
	}
	if len(neighbors) != 2 {
		t.Fatalf("ожидалось 2 соседа, получено %d", len(neighbors))
	}
	if neighbors[0].Key != "b" || neighbors[1].Key != "c" {
		t.Errorf("ожидались соседи [b c], получены %v", neighbors)
	}

	// Входящие рёбра не считаются
	neighbors, err = g.Neighbors("c")
	if err != nil {
		t.Fatalf("ошибка запроса соседей: %v", err)
	}
	if len(neighbors) != 0 {
		t.Errorf("у стока не должно быть соседей, получено %d", len(neighbors))
	}

	if _, err := g.Neighbors("ghost"); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("ожидалась ErrNodeNotFound, получено: %v", err)
	}
}

// TestSourcesAndSinks проверяет поиск истоков и стоков.
func TestSourcesAndSinks(t *testing.T) {
	g := New(testLogger())
	addNode(t, g, "a")
	addNode(t, g, "b")
	addNode(t, g, "c")
	addNode(t, g, "isolated")
	addEdge(t, g, "a", "b")
	addEdge(t, g, "b", "c")

	sources := g.SourceNodes()
	if len(sources) != 2 || sources[0].Key != "a" || sources[1].Key != "isolated" {
		t.Errorf("ожидались истоки [a isolated], получены %v", sources)
	}

	sinks := g.SinkNodes()
	if len(sinks) != 2 || sinks[0].Key != "c" || sinks[1].Key != "isolated" {
		t.Errorf("ожидались стоки [c isolated], получены %v", sinks)
	}
}

// TestUpdateEdge проверяет обновление атрибутов ребра.
func TestUpdateEdge(t *testing.T) {
	g := New(testLogger())
	addNode(t, g, "a")
	addNode(t, g, "b")
	addEdge(t, g, "a", "b")

	err := g.Apply(model.Mutation{
		Type: model.MutationUpdateEdge,
		Edge: &model.Edge{From: "a", To: "b", Label: "depends", Weight: 2.5},
	})
	if err != nil {
		t.Fatalf("ошибка обновления ребра: %v", err)
	}

	edge, err := g.GetEdge("a", "b")
	if err != nil {
		t.Fatalf("ребро не найдено: %v", err)
	}
	if edge.Label != "depends" || edge.Weight != 2.5 {
		t.Errorf("атрибуты не обновлены: %+v", edge)
	}
}

// TestRemoveEdge проверяет удаление ребра.
func TestRemoveEdge(t *testing.T) {
	g := New(testLogger())
	addNode(t, g, "a")
	addNode(t, g, "b")
	addEdge(t, g, "a", "b")

	err := g.Apply(model.Mutation{Type: model.MutationRemoveEdge, From: "a", To: "b"})
	if err != nil {
		t.Fatalf("ошибка удаления ребра: %v", err)
	}

	if _, err := g.GetEdge("a", "b"); !errors.Is(err, ErrEdgeNotFound) {
		t.Errorf("ожидалась ErrEdgeNotFound, получено: %v", err)
	}

	// Повторное удаление — ошибка
	err = g.Apply(model.Mutation{Type: model.MutationRemoveEdge, From: "a", To: "b"})
	if !errors.Is(err, ErrEdgeNotFound) {
		t.Errorf("ожидалась ErrEdgeNotFound, получено: %v", err)
	}
}
