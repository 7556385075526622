// mutator.go — Mutator: единственный путь записи в граф на main.
//
// Каждая мутация проходит через журнал: сначала pending-запись в журнале,
// затем применение к графу, затем фиксация (commit) либо откат (rollback).
// Благодаря этому после сбоя между применением и сохранением снапшота
// состояние восстанавливается воспроизведением зафиксированных записей.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bigkaa/agraphstore/internal/api/middleware"
	"github.com/bigkaa/agraphstore/internal/domain/model"
	"github.com/bigkaa/agraphstore/internal/graph"
	"github.com/bigkaa/agraphstore/internal/replica"
	"github.com/bigkaa/agraphstore/internal/storage/oplog"
)

// Mutator принимает мутации графа и проводит их через журнал.
// Потокобезопасен: mu сериализует весь путь записи (назначение seq,
// pending-запись, применение, фиксация), поэтому seq всегда равен
// версии графа после применения и записи журнала не перезаписываются.
type Mutator struct {
	g      *graph.Graph
	log    *oplog.Log
	role   replica.RoleProvider
	logger *slog.Logger

	mu sync.Mutex // сериализация пути записи
}

// NewMutator создаёт Mutator поверх графа и журнала мутаций.
func NewMutator(g *graph.Graph, log *oplog.Log, role replica.RoleProvider, logger *slog.Logger) *Mutator {
	return &Mutator{
		g:      g,
		log:    log,
		role:   role,
		logger: logger.With(slog.String("component", "mutator")),
	}
}

// Apply применяет одну мутацию: журнал (pending) → граф → журнал (commit).
// Возвращает версию графа после применения.
// На экземпляре с ролью remote возвращает replica.ErrReadOnlyRole.
func (m *Mutator) Apply(mut model.Mutation) (uint64, error) {
	if !m.role.IsMain() {
		return 0, replica.ErrReadOnlyRole
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seq := m.g.Version() + 1

	entry, err := m.log.Append(seq, mut)
	if err != nil {
		middleware.MutationsTotal.WithLabelValues(string(mut.Type), "error").Inc()
		return 0, fmt.Errorf("запись мутации в журнал: %w", err)
	}

	if err := m.g.Apply(mut); err != nil {
		if rbErr := m.log.Rollback(entry.Seq); rbErr != nil {
			m.logger.Error("Ошибка отката записи журнала",
				slog.Uint64("seq", entry.Seq),
				slog.String("error", rbErr.Error()),
			)
		}
		middleware.MutationsTotal.WithLabelValues(string(mut.Type), "rejected").Inc()
		return 0, err
	}

	if err := m.log.Commit(entry.Seq); err != nil {
		// Мутация уже применена: фиксация не удалась, но граф и версия
		// корректны. Запись останется pending и будет откачена при
		// следующем старте, снапшот её всё равно покроет.
		m.logger.Error("Ошибка фиксации записи журнала",
			slog.Uint64("seq", entry.Seq),
			slog.String("error", err.Error()),
		)
	}

	version := m.g.Version()
	nodes, edges := m.g.Counts()
	middleware.MutationsTotal.WithLabelValues(string(mut.Type), "success").Inc()
	middleware.UpdateGraphMetrics(version, nodes, edges)

	m.logger.Debug("Мутация применена",
		slog.String("type", string(mut.Type)),
		slog.Uint64("version", version),
	)

	return version, nil
}

// Recover восстанавливает состояние после старта: воспроизводит
// зафиксированные записи журнала новее версии графа и откатывает
// pending-записи, оставшиеся от прерванных операций.
func (m *Mutator) Recover() error {
	committed, pending, err := m.log.Recover()
	if err != nil {
		return fmt.Errorf("чтение журнала: %w", err)
	}

	replayed := 0
	for _, entry := range committed {
		if entry.Seq <= m.g.Version() {
			continue
		}
		if err := m.g.ApplyAt(entry.Mutation, entry.Seq); err != nil {
			// Зафиксированная запись обязана применяться к состоянию,
			// на котором она была зафиксирована
			if errors.Is(err, graph.ErrDuplicateNode) || errors.Is(err, graph.ErrDuplicateEdge) {
				m.logger.Warn("Запись журнала уже отражена в снапшоте, пропуск",
					slog.Uint64("seq", entry.Seq),
				)
				continue
			}
			return fmt.Errorf("воспроизведение записи seq=%d: %w", entry.Seq, err)
		}
		replayed++
	}

	for _, entry := range pending {
		if err := m.log.Rollback(entry.Seq); err != nil {
			m.logger.Warn("Не удалось откатить pending-запись",
				slog.Uint64("seq", entry.Seq),
				slog.String("error", err.Error()),
			)
		}
	}

	version := m.g.Version()
	nodes, edges := m.g.Counts()
	middleware.UpdateGraphMetrics(version, nodes, edges)

	m.logger.Info("Восстановление журнала завершено",
		slog.Int("replayed", replayed),
		slog.Int("rolled_back", len(pending)),
		slog.Uint64("version", version),
	)

	return nil
}
