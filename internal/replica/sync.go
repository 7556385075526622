// sync.go — цикл синхронизации Replication Client на remote.
//
// SyncService выполняет:
//  1. Начальную синхронизацию с первым достижимым peer-ом (в фоне,
//     старт процесса не блокируется на доступности сети)
//  2. Периодический опрос peer-ов с запросом состояния новее локальной
//     версии; применяется ответ с наибольшей версией, при равенстве —
//     от первого настроенного peer-а
//  3. Персистентность каждого применённого снапшота через Durable Store
//  4. Регистрацию этого экземпляра на main после успешного контакта
//
// Отказ одного peer-а не фатален: ошибка фиксируется в Peer Set,
// попытка повторяется на следующем интервале.
package replica

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bigkaa/agraphstore/internal/domain/model"
	"github.com/bigkaa/agraphstore/internal/graph"
	"github.com/bigkaa/agraphstore/internal/storage/oplog"
	"github.com/bigkaa/agraphstore/internal/storage/snapshot"
)

// SyncMetrics — счётчики синхронизации, обновляемые из цикла.
// Реализуется в api/middleware поверх Prometheus.
type SyncMetrics interface {
	SyncApplied(full bool)
	SyncFailed()
}

// noopMetrics — заглушка для тестов.
type noopMetrics struct{}

func (noopMetrics) SyncApplied(bool) {}
func (noopMetrics) SyncFailed()      {}

// SyncService — фоновый цикл синхронизации follower-а.
type SyncService struct {
	g       *graph.Graph
	store   *snapshot.Store
	log     *oplog.Log
	client  *Client
	peers   *PeerSet
	selfURL string

	interval time.Duration
	timeout  time.Duration
	metrics  SyncMetrics
	logger   *slog.Logger

	mu         sync.RWMutex
	synced     bool
	registered map[string]bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSyncService создаёт сервис синхронизации.
//
// Параметры:
//   - g: состояние графа
//   - store: Durable Store для персистентности применённых снапшотов
//   - log: локальный журнал мутаций (очищается при полном применении)
//   - client: HTTP-клиент репликации
//   - peers: настроенный Peer Set (непустой)
//   - selfURL: внешний URL этого экземпляра для регистрации на main
//   - interval: интервал опроса (AGS_SYNC_INTERVAL)
//   - timeout: таймаут одной попытки (AGS_SYNC_TIMEOUT)
//   - metrics: счётчики синхронизации (nil — без метрик)
//   - logger: логгер
func NewSyncService(
	g *graph.Graph,
	store *snapshot.Store,
	log *oplog.Log,
	client *Client,
	peers *PeerSet,
	selfURL string,
	interval time.Duration,
	timeout time.Duration,
	metrics SyncMetrics,
	logger *slog.Logger,
) *SyncService {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &SyncService{
		g:          g,
		store:      store,
		log:        log,
		client:     client,
		peers:      peers,
		selfURL:    selfURL,
		interval:   interval,
		timeout:    timeout,
		metrics:    metrics,
		registered: make(map[string]bool),
		logger:     logger.With(slog.String("component", "sync")),
	}
}

// Start запускает фоновую горутину синхронизации.
func (s *SyncService) Start(ctx context.Context) {
	syncCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(syncCtx)

	s.logger.Info("Синхронизация запущена",
		slog.Int("peers", s.peers.Len()),
		slog.String("interval", s.interval.String()),
	)
}

// Stop останавливает фоновую синхронизацию и дожидается завершения
// текущего раунда.
func (s *SyncService) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.logger.Info("Синхронизация остановлена")
}

// Synced возвращает true после первого успешного применения
// состояния от любого peer-а.
func (s *SyncService) Synced() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.synced
}

// run — основной цикл фоновой горутины.
func (s *SyncService) run(ctx context.Context) {
	defer close(s.done)

	// Начальная синхронизация — сразу при запуске
	s.syncRound(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncRound(ctx)
		}
	}
}

// syncRound выполняет один раунд: опрос всех peer-ов, выбор лучшего
// ответа, применение и персистентность.
func (s *SyncService) syncRound(ctx context.Context) {
	localVersion := s.g.Version()

	var (
		best     *SnapshotResponse
		bestPeer string
	)

	// Peer-ы опрашиваются по убыванию последней увиденной версии,
	// при равенстве — в порядке конфигурации. Со строгим сравнением
	// ниже это даёт детерминированный выбор источника.
	for _, peerURL := range s.peers.SortedByPreference() {
		if ctx.Err() != nil {
			return
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
		resp, err := s.client.Fetch(attemptCtx, peerURL, localVersion)
		cancel()

		if err != nil {
			s.peers.RecordFailure(peerURL, err)
			s.metrics.SyncFailed()
			s.logger.Warn("Peer недоступен, переход к следующему",
				slog.String("peer", peerURL),
				slog.String("error", err.Error()),
			)
			continue
		}

		if resp == nil {
			// Peer не имеет более новой версии
			s.peers.RecordContact(peerURL)
			s.markSynced()
			continue
		}

		s.peers.RecordSuccess(peerURL, resp.Version)

		if best == nil || resp.Version > best.Version {
			best = resp
			bestPeer = peerURL
		}
	}

	if best == nil {
		// Peer-ы недоступны, хотя в прошлых раундах у них было более
		// новое состояние — раунд засчитывается как отставание.
		if known := s.peers.HighestKnownVersion(); known > localVersion {
			s.logger.Warn("Известна более новая версия, но состояние получить не удалось",
				slog.Uint64("local_version", localVersion),
				slog.Uint64("known_version", known),
			)
		}
		return
	}

	if err := s.apply(best); err != nil {
		s.peers.RecordFailure(bestPeer, err)
		s.metrics.SyncFailed()
		s.logger.Error("Ошибка применения состояния от peer",
			slog.String("peer", bestPeer),
			slog.Uint64("version", best.Version),
			slog.String("error", err.Error()),
		)
		return
	}

	s.markSynced()
	s.metrics.SyncApplied(best.Type == ResponseFull)
	s.logger.Info("Состояние синхронизировано",
		slog.String("peer", bestPeer),
		slog.String("type", best.Type),
		slog.Uint64("from_version", localVersion),
		slog.Uint64("to_version", best.Version),
	)

	// Персистентность применённого снапшота. Ошибка записи не трогает
	// предыдущий durable файл и не прерывает синхронизацию.
	if err := s.store.Save(s.g.Snapshot()); err != nil {
		s.logger.Error("Ошибка сохранения снапшота",
			slog.String("error", err.Error()),
		)
	}

	// Регистрация на peer-е, отдавшем состояние (однократно на peer)
	s.register(ctx, bestPeer)
}

// apply применяет ответ peer-а к локальному графу.
func (s *SyncService) apply(resp *SnapshotResponse) error {
	switch resp.Type {
	case ResponseFull:
		var snap model.Snapshot
		if err := json.Unmarshal(resp.Snapshot, &snap); err != nil {
			return fmt.Errorf("десериализация снапшота: %w", err)
		}
		if err := s.g.ApplySnapshot(&snap); err != nil {
			return err
		}
		// Локальный журнал не согласован с новой историей версий
		if err := s.log.Truncate(); err != nil {
			s.logger.Warn("Не удалось очистить журнал после полного снапшота",
				slog.String("error", err.Error()),
			)
		}
		return nil

	case ResponseDelta:
		for _, entry := range resp.Mutations {
			var mut model.Mutation
			if err := json.Unmarshal(entry.Mutation, &mut); err != nil {
				return fmt.Errorf("десериализация мутации seq=%d: %w", entry.Seq, err)
			}
			if err := s.g.ApplyAt(mut, entry.Seq); err != nil {
				return fmt.Errorf("применение мутации seq=%d: %w", entry.Seq, err)
			}
		}
		return nil

	default:
		return fmt.Errorf("неизвестный тип ответа %q", resp.Type)
	}
}

// register регистрирует этот экземпляр на peer-е (однократно).
func (s *SyncService) register(ctx context.Context, peerURL string) {
	if s.selfURL == "" {
		return
	}

	s.mu.Lock()
	already := s.registered[peerURL]
	s.mu.Unlock()
	if already {
		return
	}

	regCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Register(regCtx, peerURL, s.selfURL); err != nil {
		s.logger.Warn("Не удалось зарегистрироваться на peer",
			slog.String("peer", peerURL),
			slog.String("error", err.Error()),
		)
		return
	}

	s.mu.Lock()
	s.registered[peerURL] = true
	s.mu.Unlock()

	s.logger.Info("Экземпляр зарегистрирован на peer",
		slog.String("peer", peerURL),
		slog.String("self_url", s.selfURL),
	)
}

func (s *SyncService) markSynced() {
	s.mu.Lock()
	s.synced = true
	s.mu.Unlock()
}
