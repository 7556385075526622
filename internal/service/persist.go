// persist.go — сервис периодической персистентности снапшота.
//
// Persister выполняет две задачи:
//  1. Сохраняет снапшот графа в Durable Store, если версия выросла
//     с момента последнего сохранения
//  2. Компактирует журнал мутаций: записи, покрытые сохранённым
//     снапшотом, больше не нужны для восстановления
//
// Запускается как горутина с периодическим тикером (AGS_PERSIST_INTERVAL).
// Ошибка сохранения не фатальна: предыдущий durable файл остаётся
// нетронутым, попытка повторяется на следующем интервале.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bigkaa/agraphstore/internal/api/middleware"
	"github.com/bigkaa/agraphstore/internal/graph"
	"github.com/bigkaa/agraphstore/internal/storage/oplog"
	"github.com/bigkaa/agraphstore/internal/storage/snapshot"
)

// PersistResult — результат одного цикла персистентности.
type PersistResult struct {
	// Saved — был ли сохранён снапшот
	Saved bool
	// Version — версия сохранённого снапшота
	Version uint64
	// Compacted — количество удалённых записей журнала
	Compacted int
	// Duration — длительность выполнения
	Duration time.Duration
}

// Persister — сервис периодического сохранения снапшота.
type Persister struct {
	g        *graph.Graph
	store    *snapshot.Store
	log      *oplog.Log
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex // защита от параллельного запуска RunOnce
	lastSaved uint64
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewPersister создаёт сервис персистентности.
// lastSaved — версия снапшота, загруженного при старте (0, если его не было).
func NewPersister(
	g *graph.Graph,
	store *snapshot.Store,
	log *oplog.Log,
	interval time.Duration,
	lastSaved uint64,
	logger *slog.Logger,
) *Persister {
	return &Persister{
		g:         g,
		store:     store,
		log:       log,
		interval:  interval,
		lastSaved: lastSaved,
		logger:    logger.With(slog.String("component", "persister")),
	}
}

// Start запускает фоновую горутину с периодическим тикером.
// Вызывается один раз при старте приложения.
func (p *Persister) Start(ctx context.Context) {
	pCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.run(pCtx)

	p.logger.Info("Persister запущен",
		slog.String("interval", p.interval.String()),
	)
}

// Stop останавливает фоновый процесс и выполняет финальное сохранение,
// чтобы не потерять мутации, принятые после последнего тика.
func (p *Persister) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
	p.RunOnce()
	p.logger.Info("Persister остановлен")
}

// run — основной цикл фоновой горутины.
func (p *Persister) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunOnce()
		}
	}
}

// RunOnce выполняет один цикл: сохранение снапшота (если версия выросла)
// и компактация журнала. Потокобезопасен.
func (p *Persister) RunOnce() *PersistResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	result := &PersistResult{}

	version := p.g.Version()
	if version == p.lastSaved {
		result.Duration = time.Since(start)
		return result
	}

	snap := p.g.Snapshot()
	if err := p.store.Save(snap); err != nil {
		middleware.SnapshotSavesTotal.WithLabelValues("error").Inc()
		p.logger.Error("Ошибка сохранения снапшота",
			slog.Uint64("version", snap.Version),
			slog.String("error", err.Error()),
		)
		result.Duration = time.Since(start)
		return result
	}

	middleware.SnapshotSavesTotal.WithLabelValues("success").Inc()
	p.lastSaved = snap.Version
	result.Saved = true
	result.Version = snap.Version

	// Записи журнала, покрытые снапшотом, больше не нужны
	compacted, err := p.log.Compact(snap.Version)
	if err != nil {
		p.logger.Warn("Ошибка компактации журнала",
			slog.String("error", err.Error()),
		)
	}
	result.Compacted = compacted
	result.Duration = time.Since(start)

	p.logger.Info("Снапшот сохранён",
		slog.Uint64("version", snap.Version),
		slog.Int("compacted", compacted),
		slog.Duration("duration", result.Duration),
	)

	return result
}
