// wire.go — формат обмена replication API.
// Используется сервером (handlers) и клиентом (Client) симметрично.
package replica

import (
	"encoding/json"

	"github.com/bigkaa/agraphstore/internal/storage/oplog"
)

// Типы ответа на запрос снапшота.
const (
	// ResponseFull — полный снапшот графа.
	ResponseFull = "full"
	// ResponseDelta — непрерывная последовательность мутаций
	// (since, version] из журнала.
	ResponseDelta = "delta"
)

// SnapshotResponse — тело ответа GET /api/v1/replication/snapshot.
//
// Snapshot передаётся как json.RawMessage: контрольная сумма считается
// по сырым байтам полезной нагрузки, и клиент проверяет её до
// десериализации.
type SnapshotResponse struct {
	Type      string          `json:"type"`
	Version   uint64          `json:"version"`
	Checksum  string          `json:"checksum,omitempty"`
	Snapshot  json.RawMessage `json:"snapshot,omitempty"`
	Mutations []DeltaEntry    `json:"mutations,omitempty"`
}

// DeltaEntry — одна мутация дельты с её порядковым номером.
type DeltaEntry struct {
	Seq      uint64          `json:"seq"`
	Mutation json.RawMessage `json:"mutation"`
	Checksum string          `json:"checksum"`
}

// DeltaFromEntries преобразует записи журнала в дельту для передачи.
func DeltaFromEntries(entries []*oplog.Entry) ([]DeltaEntry, error) {
	delta := make([]DeltaEntry, 0, len(entries))
	for _, entry := range entries {
		payload, err := json.Marshal(entry.Mutation)
		if err != nil {
			return nil, err
		}
		delta = append(delta, DeltaEntry{
			Seq:      entry.Seq,
			Mutation: payload,
			Checksum: entry.Checksum,
		})
	}
	return delta, nil
}

// RegisterRequest — тело запроса POST /api/v1/replication/peers:
// follower сообщает main свой внешний URL.
type RegisterRequest struct {
	URL string `json:"url"`
}

// StatusResponse — тело ответа GET /api/v1/replication/status.
type StatusResponse struct {
	NodeID  string      `json:"node_id"`
	Role    Role        `json:"role"`
	Version uint64      `json:"version"`
	Peers   []PeerState `json:"peers"`
}
