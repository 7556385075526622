package oplog

import (
	"time"

	"github.com/bigkaa/agraphstore/internal/domain/model"
)

// Status — статус записи журнала мутаций.
type Status string

const (
	// StatusPending — мутация записана, но ещё не применена к графу.
	StatusPending Status = "pending"
	// StatusCommitted — мутация применена к графу.
	StatusCommitted Status = "committed"
	// StatusRolledBack — мутация отменена (не была применена).
	StatusRolledBack Status = "rolled_back"
)

// Entry — одна запись журнала мутаций.
// Seq равен версии графа после применения мутации: журнал и счётчик
// версий растут синхронно, что позволяет отдавать дельту (since, version]
// при инкрементальной репликации.
type Entry struct {
	Seq           uint64         `json:"seq"`
	TransactionID string         `json:"transaction_id"`
	Mutation      model.Mutation `json:"mutation"`
	Checksum      string         `json:"checksum"`
	Status        Status         `json:"status"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}
