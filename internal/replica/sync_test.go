package replica

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bigkaa/agraphstore/internal/domain/model"
	"github.com/bigkaa/agraphstore/internal/graph"
	"github.com/bigkaa/agraphstore/internal/storage/oplog"
	"github.com/bigkaa/agraphstore/internal/storage/snapshot"
)

// testLogger возвращает логгер для тестов (вывод подавляется).
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// syncHarness — собранный follower для тестов синхронизации.
type syncHarness struct {
	g     *graph.Graph
	store *snapshot.Store
	log   *oplog.Log
	peers *PeerSet
	svc   *SyncService
}

// newSyncHarness создаёт SyncService поверх временных директорий.
func newSyncHarness(t *testing.T, peerURLs []string, selfURL string) *syncHarness {
	t.Helper()

	logger := testLogger()
	g := graph.New(logger)

	store, err := snapshot.New(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("ошибка создания Store: %v", err)
	}
	mutLog, err := oplog.New(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("ошибка создания журнала: %v", err)
	}

	peers := NewPeerSet(peerURLs)
	client := NewClient("test-node", 2*time.Second, false, logger)
	svc := NewSyncService(g, store, mutLog, client, peers, selfURL,
		time.Minute, 2*time.Second, nil, logger)

	return &syncHarness{g: g, store: store, log: mutLog, peers: peers, svc: svc}
}

// fullSnapshotHandler отдаёт полный снапшот, если since меньше его версии.
func fullSnapshotHandler(t *testing.T, snap *model.Snapshot) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/replication/snapshot" {
			http.NotFound(w, r)
			return
		}
		payload, err := json.Marshal(snap)
		if err != nil {
			t.Errorf("ошибка сериализации снапшота: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(SnapshotResponse{
			Type:     ResponseFull,
			Version:  snap.Version,
			Checksum: snapshot.Checksum(payload),
			Snapshot: payload,
		})
	}
}

// deltaHandler отдаёт дельту из переданных мутаций начиная с seq startSeq.
func deltaHandler(t *testing.T, startSeq uint64, muts []model.Mutation) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, _ *http.Request) {
		delta := make([]DeltaEntry, 0, len(muts))
		seq := startSeq
		for _, mut := range muts {
			payload, err := json.Marshal(mut)
			if err != nil {
				t.Errorf("ошибка сериализации мутации: %v", err)
				return
			}
			delta = append(delta, DeltaEntry{
				Seq:      seq,
				Mutation: payload,
				Checksum: snapshot.Checksum(payload),
			})
			seq++
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(SnapshotResponse{
			Type:      ResponseDelta,
			Version:   seq - 1,
			Mutations: delta,
		})
	}
}

// TestSyncRound_FullSnapshot проверяет применение полного снапшота от peer-а.
func TestSyncRound_FullSnapshot(t *testing.T) {
	snap := &model.Snapshot{
		Version: 5,
		Nodes:   []model.Node{{Key: "a"}, {Key: "b"}},
		Edges:   []model.Edge{{From: "a", To: "b"}},
	}
	srv := httptest.NewServer(fullSnapshotHandler(t, snap))
	defer srv.Close()

	h := newSyncHarness(t, []string{srv.URL}, "")
	h.svc.syncRound(context.Background())

	if h.g.Version() != 5 {
		t.Errorf("ожидалась версия 5, получена %d", h.g.Version())
	}
	if !h.g.HasNode("a") || !h.g.HasNode("b") {
		t.Error("узлы снапшота не применены")
	}
	if !h.svc.Synced() {
		t.Error("Synced должен вернуть true после применения")
	}

	// Снапшот должен быть сохранён durable
	saved, err := h.store.Load()
	if err != nil {
		t.Fatalf("durable снапшот не сохранён: %v", err)
	}
	if saved.Version != 5 {
		t.Errorf("ожидалась durable версия 5, получена %d", saved.Version)
	}

	state, _ := h.peers.Get(srv.URL)
	if state.LastVersion != 5 {
		t.Errorf("версия peer-а не зафиксирована: %d", state.LastVersion)
	}
}

// TestSyncRound_Delta проверяет поэлементное применение дельты.
func TestSyncRound_Delta(t *testing.T) {
	srv := httptest.NewServer(deltaHandler(t, 3, []model.Mutation{
		{Type: model.MutationAddNode, Node: &model.Node{Key: "c"}},
		{Type: model.MutationAddEdge, Edge: &model.Edge{From: "a", To: "c"}},
	}))
	defer srv.Close()

	h := newSyncHarness(t, []string{srv.URL}, "")
	// Локальное состояние версии 2: узлы a и b
	if err := h.g.ApplySnapshot(&model.Snapshot{
		Version: 2,
		Nodes:   []model.Node{{Key: "a"}, {Key: "b"}},
	}); err != nil {
		t.Fatalf("ошибка подготовки состояния: %v", err)
	}

	h.svc.syncRound(context.Background())

	if h.g.Version() != 4 {
		t.Errorf("ожидалась версия 4, получена %d", h.g.Version())
	}
	if !h.g.HasNode("c") {
		t.Error("узел из дельты не применён")
	}
	if _, err := h.g.GetEdge("a", "c"); err != nil {
		t.Errorf("ребро из дельты не применено: %v", err)
	}
}

// TestSyncRound_PeerFailover проверяет переход к следующему peer-у
// при недоступности первого.
func TestSyncRound_PeerFailover(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close() // первый peer недоступен

	snap := &model.Snapshot{Version: 3, Nodes: []model.Node{{Key: "x"}}}
	alive := httptest.NewServer(fullSnapshotHandler(t, snap))
	defer alive.Close()

	h := newSyncHarness(t, []string{dead.URL, alive.URL}, "")
	h.svc.syncRound(context.Background())

	if h.g.Version() != 3 {
		t.Errorf("ожидалась версия 3 от живого peer-а, получена %d", h.g.Version())
	}

	deadState, _ := h.peers.Get(dead.URL)
	if deadState.Failures == 0 {
		t.Error("отказ первого peer-а должен быть зафиксирован")
	}
	aliveState, _ := h.peers.Get(alive.URL)
	if aliveState.LastVersion != 3 {
		t.Errorf("успех второго peer-а не зафиксирован: %d", aliveState.LastVersion)
	}
}

// TestSyncRound_PicksHighestVersion проверяет выбор peer-а
// с наибольшей версией.
func TestSyncRound_PicksHighestVersion(t *testing.T) {
	low := httptest.NewServer(fullSnapshotHandler(t, &model.Snapshot{
		Version: 3,
		Nodes:   []model.Node{{Key: "low"}},
	}))
	defer low.Close()

	high := httptest.NewServer(fullSnapshotHandler(t, &model.Snapshot{
		Version: 8,
		Nodes:   []model.Node{{Key: "high"}},
	}))
	defer high.Close()

	h := newSyncHarness(t, []string{low.URL, high.URL}, "")
	h.svc.syncRound(context.Background())

	if h.g.Version() != 8 {
		t.Errorf("ожидалась версия 8, получена %d", h.g.Version())
	}
	if !h.g.HasNode("high") || h.g.HasNode("low") {
		t.Error("применено состояние не того peer-а")
	}
}

// TestSyncRound_PollsPreferredPeerFirst проверяет, что peer с наибольшей
// увиденной версией опрашивается первым, даже если настроен позже.
func TestSyncRound_PollsPreferredPeerFirst(t *testing.T) {
	var order atomic.Int32
	recordingHandler := func(slot *int32) http.HandlerFunc {
		return func(w http.ResponseWriter, _ *http.Request) {
			atomic.StoreInt32(slot, order.Add(1))
			w.WriteHeader(http.StatusNoContent)
		}
	}

	var firstSlot, secondSlot int32
	first := httptest.NewServer(recordingHandler(&firstSlot))
	defer first.Close()
	second := httptest.NewServer(recordingHandler(&secondSlot))
	defer second.Close()

	h := newSyncHarness(t, []string{first.URL, second.URL}, "")
	// Второй peer известен как более новый по итогам прошлого раунда
	h.peers.RecordSuccess(second.URL, 7)

	h.svc.syncRound(context.Background())

	if atomic.LoadInt32(&secondSlot) >= atomic.LoadInt32(&firstSlot) {
		t.Errorf("peer с версией 7 должен опрашиваться первым: порядок %d, %d",
			atomic.LoadInt32(&firstSlot), atomic.LoadInt32(&secondSlot))
	}
}

// TestSyncRound_WarnsOnKnownNewerVersion: peer недоступен, но в прошлом
// раунде сообщал более новую версию — раунд логирует отставание.
func TestSyncRound_WarnsOnKnownNewerVersion(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	g := graph.New(logger)
	store, err := snapshot.New(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("ошибка создания Store: %v", err)
	}
	mutLog, err := oplog.New(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("ошибка создания журнала: %v", err)
	}

	peers := NewPeerSet([]string{dead.URL})
	peers.RecordSuccess(dead.URL, 9)
	client := NewClient("test-node", time.Second, false, logger)
	svc := NewSyncService(g, store, mutLog, client, peers, "",
		time.Minute, time.Second, nil, logger)

	svc.syncRound(context.Background())

	if !strings.Contains(buf.String(), "known_version=9") {
		t.Errorf("ожидалось предупреждение об известной версии 9, лог: %s", buf.String())
	}
}

// TestSyncRound_NoContent проверяет раунд без новых версий.
func TestSyncRound_NoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	h := newSyncHarness(t, []string{srv.URL}, "")
	h.svc.syncRound(context.Background())

	if h.g.Version() != 0 {
		t.Errorf("состояние не должно меняться, версия %d", h.g.Version())
	}
	if !h.svc.Synced() {
		t.Error("204 означает актуальное состояние: Synced должен вернуть true")
	}

	state, _ := h.peers.Get(srv.URL)
	if state.LastContact.IsZero() {
		t.Error("контакт с peer-ом должен быть зафиксирован")
	}
}

// TestSyncRound_CorruptChecksum проверяет отбрасывание повреждённого ответа.
func TestSyncRound_CorruptChecksum(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		payload, _ := json.Marshal(&model.Snapshot{Version: 9, Nodes: []model.Node{{Key: "evil"}}})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(SnapshotResponse{
			Type:     ResponseFull,
			Version:  9,
			Checksum: "deadbeef", // заведомо неверная сумма
			Snapshot: payload,
		})
	}))
	defer srv.Close()

	h := newSyncHarness(t, []string{srv.URL}, "")
	h.svc.syncRound(context.Background())

	if h.g.Version() != 0 {
		t.Errorf("повреждённый снапшот не должен применяться, версия %d", h.g.Version())
	}
	if h.svc.Synced() {
		t.Error("Synced должен оставаться false")
	}

	state, _ := h.peers.Get(srv.URL)
	if state.Failures == 0 {
		t.Error("повреждённый ответ должен считаться отказом peer-а")
	}
}

// TestSyncRound_RegistersSelf проверяет регистрацию follower-а на main
// после успешной синхронизации.
func TestSyncRound_RegistersSelf(t *testing.T) {
	var registered atomic.Int32
	var gotURL atomic.Value

	snap := &model.Snapshot{Version: 1, Nodes: []model.Node{{Key: "a"}}}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/replication/snapshot", fullSnapshotHandler(t, snap))
	mux.HandleFunc("/api/v1/replication/peers", func(w http.ResponseWriter, r *http.Request) {
		var req RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("ошибка разбора запроса регистрации: %v", err)
		}
		gotURL.Store(req.URL)
		registered.Add(1)
		w.WriteHeader(http.StatusCreated)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	h := newSyncHarness(t, []string{srv.URL}, "http://self:8020")
	h.svc.syncRound(context.Background())

	if registered.Load() != 1 {
		t.Fatalf("ожидалась 1 регистрация, получено %d", registered.Load())
	}
	if gotURL.Load() != "http://self:8020" {
		t.Errorf("ожидался self URL, получен %v", gotURL.Load())
	}

	// Повторный раунд с той же версией — без повторной регистрации
	h.svc.syncRound(context.Background())
	if registered.Load() != 1 {
		t.Errorf("регистрация должна выполняться однократно, получено %d", registered.Load())
	}
}

// TestClientFetch_UnknownType проверяет отклонение неизвестного типа ответа.
func TestClientFetch_UnknownType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(SnapshotResponse{Type: "patch", Version: 1})
	}))
	defer srv.Close()

	client := NewClient("test-node", time.Second, false, testLogger())
	if _, err := client.Fetch(context.Background(), srv.URL, 0); err == nil {
		t.Fatal("ожидалась ошибка на неизвестный тип ответа")
	}
}

// TestClientFetch_CorruptDelta проверяет проверку сумм дельты.
func TestClientFetch_CorruptDelta(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(SnapshotResponse{
			Type:    ResponseDelta,
			Version: 1,
			Mutations: []DeltaEntry{
				{Seq: 1, Mutation: json.RawMessage(`{"type":"add_node","node":{"key":"a"}}`), Checksum: "bad"},
			},
		})
	}))
	defer srv.Close()

	client := NewClient("test-node", time.Second, false, testLogger())
	_, err := client.Fetch(context.Background(), srv.URL, 0)
	if !errors.Is(err, ErrCorruptPayload) {
		t.Fatalf("ожидалась ErrCorruptPayload, получено: %v", err)
	}
}

// TestClientFetch_SendsNodeHeader проверяет заголовок X-AGS-Node.
func TestClientFetch_SendsNodeHeader(t *testing.T) {
	var gotNode atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotNode.Store(r.Header.Get("X-AGS-Node"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewClient("node-42", time.Second, false, testLogger())
	if _, err := client.Fetch(context.Background(), srv.URL, 0); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if gotNode.Load() != "node-42" {
		t.Errorf("ожидался заголовок X-AGS-Node=node-42, получен %v", gotNode.Load())
	}
}
