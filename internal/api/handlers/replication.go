// replication.go — обработчики replication API на стороне-источнике.
//
// GET /api/v1/replication/snapshot?since=N отдаёт состояние новее
// версии N: дельту из журнала мутаций, если он покрывает диапазон
// (since, head], иначе полный снапшот. При head <= since — 204.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	apierrors "github.com/bigkaa/agraphstore/internal/api/errors"
	"github.com/bigkaa/agraphstore/internal/graph"
	"github.com/bigkaa/agraphstore/internal/replica"
	"github.com/bigkaa/agraphstore/internal/storage/oplog"
	"github.com/bigkaa/agraphstore/internal/storage/snapshot"
)

// ReplicationHandler — обработчик replication endpoints.
type ReplicationHandler struct {
	g      *graph.Graph
	log    *oplog.Log
	peers  *replica.PeerSet
	nodeID string
	role   replica.RoleProvider
	logger *slog.Logger
}

// NewReplicationHandler создаёт обработчик replication API.
func NewReplicationHandler(
	g *graph.Graph,
	log *oplog.Log,
	peers *replica.PeerSet,
	nodeID string,
	role replica.RoleProvider,
	logger *slog.Logger,
) *ReplicationHandler {
	return &ReplicationHandler{
		g:      g,
		log:    log,
		peers:  peers,
		nodeID: nodeID,
		role:   role,
		logger: logger.With(slog.String("component", "replication_handler")),
	}
}

// GetSnapshot обрабатывает GET /api/v1/replication/snapshot?since=N.
func (h *ReplicationHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	since := uint64(0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			apierrors.ValidationError(w, "Параметр since должен быть неотрицательным числом")
			return
		}
		since = parsed
	}

	head := h.g.Version()
	if head <= since {
		// У запрашивающего состояние не старее нашего
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// Дельта возможна, только если журнал непрерывно покрывает (since, head].
	// Это работает и для since=0: несжатый журнал начинается с seq=1.
	entries, err := h.log.Range(since, head)
	if err == nil {
		delta, derr := replica.DeltaFromEntries(entries)
		if derr == nil {
			h.logger.Debug("Отдана дельта",
				slog.Uint64("since", since),
				slog.Uint64("head", head),
				slog.Int("mutations", len(delta)),
				slog.String("peer_node", r.Header.Get("X-AGS-Node")),
			)
			writeJSON(w, http.StatusOK, replica.SnapshotResponse{
				Type:      replica.ResponseDelta,
				Version:   head,
				Mutations: delta,
			})
			return
		}
		h.logger.Warn("Не удалось сериализовать дельту, переход на полный снапшот",
			slog.String("error", derr.Error()),
		)
	} else if !errors.Is(err, oplog.ErrStaleRange) {
		h.logger.Warn("Ошибка чтения журнала, переход на полный снапшот",
			slog.String("error", err.Error()),
		)
	}

	// Полный снапшот
	snap := h.g.Snapshot()
	payload, err := json.Marshal(snap)
	if err != nil {
		h.logger.Error("Ошибка сериализации снапшота",
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Ошибка сериализации снапшота")
		return
	}

	h.logger.Debug("Отдан полный снапшот",
		slog.Uint64("since", since),
		slog.Uint64("version", snap.Version),
		slog.String("peer_node", r.Header.Get("X-AGS-Node")),
	)

	writeJSON(w, http.StatusOK, replica.SnapshotResponse{
		Type:     replica.ResponseFull,
		Version:  snap.Version,
		Checksum: snapshot.Checksum(payload),
		Snapshot: payload,
	})
}

// RegisterPeer обрабатывает POST /api/v1/replication/peers:
// follower регистрирует свой внешний URL на main.
func (h *ReplicationHandler) RegisterPeer(w http.ResponseWriter, r *http.Request) {
	var req replica.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса: "+err.Error())
		return
	}
	if req.URL == "" {
		apierrors.ValidationError(w, "Поле url обязательно")
		return
	}

	added := h.peers.Add(req.URL)
	if added {
		h.logger.Info("Зарегистрирован follower",
			slog.String("url", req.URL),
			slog.String("peer_node", r.Header.Get("X-AGS-Node")),
		)
	}

	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"url":        req.URL,
		"registered": true,
	})
}

// GetStatus обрабатывает GET /api/v1/replication/status.
func (h *ReplicationHandler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, replica.StatusResponse{
		NodeID:  h.nodeID,
		Role:    h.role.CurrentRole(),
		Version: h.g.Version(),
		Peers:   h.peers.States(),
	})
}
