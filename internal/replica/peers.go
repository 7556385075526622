// peers.go — Peer Set: известные peer-ы и состояние синхронизации с ними.
//
// На remote содержит настроенные peer URL в порядке конфигурации
// (порядок определяет tie-break при равных версиях). На main содержит
// follower-ов, зарегистрировавшихся через replication API.
package replica

import (
	"sort"
	"sync"
	"time"
)

// PeerState — состояние одного peer-а.
type PeerState struct {
	// URL — базовый URL peer-а.
	URL string `json:"url"`
	// LastVersion — последняя версия, увиденная у peer-а.
	LastVersion uint64 `json:"last_version"`
	// LastContact — время последнего успешного контакта.
	LastContact time.Time `json:"last_contact"`
	// Failures — количество подряд неудачных попыток.
	Failures int `json:"failures"`
	// LastError — текст последней ошибки (пустая строка — нет ошибки).
	LastError string `json:"last_error,omitempty"`
}

// PeerSet — потокобезопасный набор peer-ов.
// Мутируется только Replication Client (remote) либо обработчиком
// регистрации follower-ов (main).
type PeerSet struct {
	mu    sync.RWMutex
	order []string
	peers map[string]*PeerState
}

// NewPeerSet создаёт набор из настроенных URL, сохраняя порядок
// конфигурации. Дубликаты игнорируются.
func NewPeerSet(urls []string) *PeerSet {
	ps := &PeerSet{
		peers: make(map[string]*PeerState, len(urls)),
	}
	for _, u := range urls {
		ps.addLocked(u)
	}
	return ps
}

// Add регистрирует peer, если он ещё не известен.
// Возвращает true, если peer был добавлен.
func (ps *PeerSet) Add(url string) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.addLocked(url)
}

func (ps *PeerSet) addLocked(url string) bool {
	if _, ok := ps.peers[url]; ok {
		return false
	}
	ps.peers[url] = &PeerState{URL: url}
	ps.order = append(ps.order, url)
	return true
}

// URLs возвращает peer URL в порядке конфигурации.
func (ps *PeerSet) URLs() []string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	urls := make([]string, len(ps.order))
	copy(urls, ps.order)
	return urls
}

// Len возвращает количество peer-ов.
func (ps *PeerSet) Len() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.order)
}

// RecordSuccess фиксирует успешный контакт с peer-ом и увиденную версию.
func (ps *PeerSet) RecordSuccess(url string, version uint64) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	state, ok := ps.peers[url]
	if !ok {
		return
	}
	state.LastVersion = version
	state.LastContact = time.Now().UTC()
	state.Failures = 0
	state.LastError = ""
}

// RecordContact фиксирует успешный контакт без обновления версии
// (peer ответил, но более нового состояния не имеет).
func (ps *PeerSet) RecordContact(url string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	state, ok := ps.peers[url]
	if !ok {
		return
	}
	state.LastContact = time.Now().UTC()
	state.Failures = 0
	state.LastError = ""
}

// RecordFailure фиксирует неудачную попытку контакта.
func (ps *PeerSet) RecordFailure(url string, err error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	state, ok := ps.peers[url]
	if !ok {
		return
	}
	state.Failures++
	state.LastError = err.Error()
}

// Get возвращает копию состояния peer-а.
func (ps *PeerSet) Get(url string) (PeerState, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	state, ok := ps.peers[url]
	if !ok {
		return PeerState{}, false
	}
	return *state, true
}

// States возвращает копии состояний всех peer-ов в порядке конфигурации.
func (ps *PeerSet) States() []PeerState {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	states := make([]PeerState, 0, len(ps.order))
	for _, u := range ps.order {
		states = append(states, *ps.peers[u])
	}
	return states
}

// HighestKnownVersion возвращает наибольшую версию, когда-либо
// увиденную у любого peer-а.
func (ps *PeerSet) HighestKnownVersion() uint64 {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	var highest uint64
	for _, state := range ps.peers {
		if state.LastVersion > highest {
			highest = state.LastVersion
		}
	}
	return highest
}

// SortedByPreference возвращает URL peer-ов, отсортированные для выбора
// источника: по убыванию последней увиденной версии, при равенстве —
// в порядке конфигурации (детерминированный tie-break против осцилляции).
func (ps *PeerSet) SortedByPreference() []string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	type ranked struct {
		url     string
		version uint64
		pos     int
	}
	items := make([]ranked, 0, len(ps.order))
	for i, u := range ps.order {
		items = append(items, ranked{url: u, version: ps.peers[u].LastVersion, pos: i})
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].version != items[j].version {
			return items[i].version > items[j].version
		}
		return items[i].pos < items[j].pos
	})

	urls := make([]string, len(items))
	for i, item := range items {
		urls[i] = item.url
	}
	return urls
}
