// Пакет server — HTTP-сервер AGraphStore с TLS и graceful shutdown.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/agraphstore/internal/api/handlers"
	"github.com/bigkaa/agraphstore/internal/api/middleware"
	"github.com/bigkaa/agraphstore/internal/config"
)

// Handlers — набор обработчиков, монтируемых на роутер.
// Auth необязателен: при nil API работает без аутентификации.
type Handlers struct {
	Graph       *handlers.GraphHandler
	Replication *handlers.ReplicationHandler
	Health      *handlers.HealthHandler
	System      *handlers.SystemHandler
	Auth        *middleware.JWTAuth
}

// Server — HTTP-сервер AGraphStore.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт новый HTTP-сервер с настроенными routes и middleware.
func New(cfg *config.Config, logger *slog.Logger, h Handlers) *Server {
	router := chi.NewRouter()

	// Middleware
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.MetricsMiddleware())

	// Публичные endpoints — без аутентификации
	router.Get("/health/live", h.Health.HealthLive)
	router.Get("/health/ready", h.Health.HealthReady)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())
	router.Get("/api/v1/info", h.System.GetInfo)

	router.Route("/api/v1", func(r chi.Router) {
		if h.Auth != nil {
			r.Use(h.Auth.Middleware())
		}

		// Чтение графа
		r.Group(func(r chi.Router) {
			if h.Auth != nil {
				r.Use(middleware.RequireScope(middleware.ScopeGraphRead))
			}
			r.Get("/graph", h.Graph.GetGraph)
			r.Get("/graph/retain", h.Graph.RetainGraph)
			r.Get("/nodes", h.Graph.ListNodes)
			r.Get("/nodes/sources", h.Graph.GetSources)
			r.Get("/nodes/sinks", h.Graph.GetSinks)
			r.Get("/nodes/{key}", h.Graph.GetNode)
			r.Get("/nodes/{key}/neighbors", h.Graph.GetNeighbors)
			r.Get("/edges", h.Graph.ListEdges)
			r.Get("/edges/{from}/{to}", h.Graph.GetEdge)
		})

		// Мутации графа (только main, роль проверяется в Mutator)
		r.Group(func(r chi.Router) {
			if h.Auth != nil {
				r.Use(middleware.RequireScope(middleware.ScopeGraphWrite))
			}
			r.Post("/nodes", h.Graph.CreateNode)
			r.Put("/nodes/{key}", h.Graph.UpdateNode)
			r.Delete("/nodes/{key}", h.Graph.DeleteNode)
			r.Post("/edges", h.Graph.CreateEdge)
			r.Put("/edges/{from}/{to}", h.Graph.UpdateEdge)
			r.Delete("/edges/{from}/{to}", h.Graph.DeleteEdge)
		})

		// Replication API
		r.Route("/replication", func(r chi.Router) {
			if h.Auth != nil {
				r.Use(middleware.RequireScope(middleware.ScopeReplication))
			}
			r.Get("/snapshot", h.Replication.GetSnapshot)
			r.Post("/peers", h.Replication.RegisterPeer)
			r.Get("/status", h.Replication.GetStatus)
		})
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Настройка TLS
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		srv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown с таймаутом
// AGS_SHUTDOWN_TIMEOUT.
func (s *Server) Run() error {
	// Канал для ошибок сервера
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
			slog.Bool("tls", s.cfg.TLSCert != ""),
		)

		var err error
		if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Ожидание сигнала завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
