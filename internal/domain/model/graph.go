// Пакет model — доменные типы AGraphStore: узлы, рёбра, мутации
// и снапшоты графа. Используются всеми слоями: graph, storage, replica, api.
package model

import "time"

// Node — узел графа.
// Key — уникальный идентификатор узла (непрозрачный ключ).
type Node struct {
	Key        string            `json:"key"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Edge — направленное ребро графа между двумя узлами.
type Edge struct {
	From       string            `json:"from"`
	To         string            `json:"to"`
	Label      string            `json:"label,omitempty"`
	Weight     float64           `json:"weight,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// EdgeKey возвращает составной ключ ребра в виде "from\x00to".
// Между парой узлов допускается не более одного ребра.
func EdgeKey(from, to string) string {
	return from + "\x00" + to
}

// EdgeRef — ссылка на ребро по его конечным точкам.
// Используется в include-списках запросов выборки подграфа.
type EdgeRef struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// MutationType — тип операции изменения графа.
type MutationType string

const (
	MutationAddNode    MutationType = "add_node"
	MutationUpdateNode MutationType = "update_node"
	MutationRemoveNode MutationType = "remove_node"
	MutationAddEdge    MutationType = "add_edge"
	MutationUpdateEdge MutationType = "update_edge"
	MutationRemoveEdge MutationType = "remove_edge"
)

// Mutation — одна операция изменения графа. Единица записи в mutations log
// и единица инкрементальной репликации.
//
// Заполненность полей зависит от типа:
//   - add_node / update_node: Node
//   - remove_node: Key
//   - add_edge / update_edge: Edge
//   - remove_edge: From, To
type Mutation struct {
	Type MutationType `json:"type"`
	Node *Node        `json:"node,omitempty"`
	Edge *Edge        `json:"edge,omitempty"`
	Key  string       `json:"key,omitempty"`
	From string       `json:"from,omitempty"`
	To   string       `json:"to,omitempty"`
}

// Snapshot — полная версионированная материализация графа
// на момент времени. Единица обмена при репликации и единица
// персистентности в Durable Store.
//
// Nodes и Edges отсортированы по ключу — сериализация детерминирована,
// что позволяет считать контрольную сумму по сырым байтам JSON.
type Snapshot struct {
	Version   uint64    `json:"version"`
	Nodes     []Node    `json:"nodes"`
	Edges     []Edge    `json:"edges"`
	CreatedAt time.Time `json:"created_at"`
}
