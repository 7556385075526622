// Точка входа AGraphStore — узла распределённого графового хранилища.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bigkaa/agraphstore/internal/api/handlers"
	"github.com/bigkaa/agraphstore/internal/api/middleware"
	"github.com/bigkaa/agraphstore/internal/config"
	"github.com/bigkaa/agraphstore/internal/graph"
	"github.com/bigkaa/agraphstore/internal/replica"
	"github.com/bigkaa/agraphstore/internal/server"
	"github.com/bigkaa/agraphstore/internal/service"
	"github.com/bigkaa/agraphstore/internal/storage/oplog"
	"github.com/bigkaa/agraphstore/internal/storage/snapshot"
)

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Настройка логгера
	logger := config.SetupLogger(cfg)
	logger.Info("AGraphStore запускается",
		slog.String("node_id", cfg.NodeID),
		slog.String("version", config.Version),
		slog.String("role", cfg.Role),
		slog.Int("port", cfg.Port),
	)

	// --- Инициализация компонентов ---

	// 1. Роль экземпляра
	role, err := replica.ParseRole(cfg.Role)
	if err != nil {
		logger.Error("Ошибка разбора роли", slog.String("error", err.Error()))
		os.Exit(1)
	}
	roleProvider := replica.NewStaticProvider(role)

	// 2. Durable Store снапшота
	store, err := snapshot.New(cfg.DataDir, logger)
	if err != nil {
		logger.Error("Ошибка инициализации Durable Store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 3. Журнал мутаций
	mutLog, err := oplog.New(filepath.Join(cfg.DataDir, "oplog"), logger)
	if err != nil {
		logger.Error("Ошибка инициализации журнала мутаций", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Граф: загрузка durable снапшота (если есть)
	g := graph.New(logger)
	lastSaved := uint64(0)
	snap, err := store.Load()
	switch {
	case err == nil:
		if applyErr := g.ApplySnapshot(snap); applyErr != nil {
			logger.Error("Ошибка применения снапшота", slog.String("error", applyErr.Error()))
			os.Exit(1)
		}
		lastSaved = snap.Version
		logger.Info("Снапшот загружен",
			slog.Uint64("version", snap.Version),
			slog.Int("nodes", len(snap.Nodes)),
			slog.Int("edges", len(snap.Edges)),
		)
	case errors.Is(err, snapshot.ErrNotFound):
		logger.Info("Durable снапшот отсутствует, старт с пустого графа")
	case errors.Is(err, snapshot.ErrCorrupt):
		// Повреждённый снапшот не фатален: main восстановится из журнала,
		// remote — из полного снапшота peer-а
		logger.Warn("Снапшот повреждён, старт с пустого графа",
			slog.String("error", err.Error()),
		)
	default:
		logger.Error("Ошибка чтения снапшота", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 5. Mutator + восстановление журнала
	mutator := service.NewMutator(g, mutLog, roleProvider, logger)
	if err := mutator.Recover(); err != nil {
		logger.Error("Ошибка восстановления журнала", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 6. Peer Set
	peers := replica.NewPeerSet(cfg.RemoteURLs)

	// 7. Фоновые процессы
	ctx := context.Background()

	var persister *service.Persister
	var syncSvc *replica.SyncService
	var syncChecker handlers.SyncChecker

	if cfg.IsMain() {
		// 7.1 Persister — периодическое сохранение снапшота (main)
		persister = service.NewPersister(g, store, mutLog, cfg.PersistInterval, lastSaved, logger)
		persister.Start(ctx)
	} else {
		// 7.2 SyncService — цикл синхронизации с peer-ами (remote)
		client := replica.NewClient(cfg.NodeID, cfg.SyncTimeout, cfg.TLSSkipVerify, logger)
		syncSvc = replica.NewSyncService(
			g, store, mutLog, client, peers,
			cfg.ServerURL,
			cfg.SyncInterval, cfg.SyncTimeout,
			middleware.SyncRecorder{},
			logger,
		)
		syncSvc.Start(ctx)
		syncChecker = syncSvc
	}

	// 7.3 topologymetrics — мониторинг зависимостей
	dephealthSvc, dephealthErr := service.NewDephealthService(
		cfg.NodeID,
		cfg.DephealthGroup,
		cfg.RemoteURLs,
		cfg.JWKSUrl,
		cfg.DephealthCheckInterval,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
	} else {
		if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics",
				slog.String("error", startErr.Error()),
			)
		} else {
			logger.Info("topologymetrics запущен",
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 8. JWT middleware (опционально: AGS_JWKS_URL пуст — без аутентификации)
	var jwtAuth *middleware.JWTAuth
	if cfg.JWKSUrl != "" {
		jwtAuth, err = middleware.NewJWTAuth(middleware.JWTAuthConfig{
			JWKSURL:         cfg.JWKSUrl,
			CACertPath:      cfg.JWKSCACert,
			TLSSkipVerify:   cfg.TLSSkipVerify,
			ClientTimeout:   cfg.SyncTimeout,
			RefreshInterval: cfg.DephealthCheckInterval,
			JWTLeeway:       cfg.JWTLeeway,
		}, logger)
		if err != nil {
			logger.Warn("JWT JWKS недоступен, запуск без аутентификации",
				slog.String("jwks_url", cfg.JWKSUrl),
				slog.String("error", err.Error()),
			)
			jwtAuth = nil
		} else {
			logger.Info("JWT аутентификация настроена",
				slog.String("jwks_url", cfg.JWKSUrl),
			)
		}
	}

	// 9. Handlers
	h := server.Handlers{
		Graph:       handlers.NewGraphHandler(g, mutator, logger),
		Replication: handlers.NewReplicationHandler(g, mutLog, peers, cfg.NodeID, roleProvider, logger),
		Health:      handlers.NewHealthHandler(cfg.DataDir, syncChecker),
		System:      handlers.NewSystemHandler(cfg, g, roleProvider),
		Auth:        jwtAuth,
	}

	// Стартовые значения gauge-метрик графа
	nodes, edges := g.Counts()
	middleware.UpdateGraphMetrics(g.Version(), nodes, edges)

	// 10. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, h)

	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// --- Graceful shutdown фоновых процессов ---
	logger.Info("Остановка фоновых процессов...")

	if persister != nil {
		persister.Stop()
	}
	if syncSvc != nil {
		syncSvc.Stop()
	}
	if dephealthErr == nil {
		dephealthSvc.Stop()
	}

	logger.Info("AGraphStore остановлен")
}
