// Пакет config — загрузка и валидация конфигурации AGraphStore
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Роли экземпляра.
const (
	RoleMain   = "main"
	RoleRemote = "remote"
)

// Config содержит все параметры конфигурации AGraphStore.
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Уникальный идентификатор экземпляра (8 символов, генерируется если не задан)
	NodeID string
	// Путь к директории данных (снапшот + журнал мутаций)
	DataDir string
	// Роль экземпляра: main (принимает мутации) или remote (read-only реплика)
	Role string
	// Внешний URL этого экземпляра (для регистрации на main)
	ServerURL string
	// URL peer-экземпляров для синхронизации (только remote)
	RemoteURLs []string
	// Интервал опроса peer-ов (только remote)
	SyncInterval time.Duration
	// Таймаут одной попытки синхронизации
	SyncTimeout time.Duration
	// Интервал периодического сохранения снапшота (только main)
	PersistInterval time.Duration
	// URL JWKS endpoint; пустая строка — аутентификация выключена
	JWKSUrl string
	// Путь к CA-сертификату для проверки TLS JWKS endpoint (опционально)
	JWKSCACert string
	// Допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration
	// Путь к TLS сертификату (опционально)
	TLSCert string
	// Путь к TLS приватному ключу (опционально)
	TLSKey string
	// Пропускать проверку TLS-сертификатов исходящих соединений
	TLSSkipVerify bool
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics (AGS_DEPHEALTH_GROUP)
	DephealthGroup string
}

// IsMain возвращает true, если экземпляр работает в роли main.
func (c *Config) IsMain() bool {
	return c.Role == RoleMain
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}

	// AGS_PORT — порт HTTP-сервера (по умолчанию 8020)
	port, err := getEnvInt("AGS_PORT", 8020)
	if err != nil {
		return nil, fmt.Errorf("AGS_PORT: %w", err)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("AGS_PORT: значение %d вне допустимого диапазона 1-65535", port)
	}
	cfg.Port = port

	// AGS_NODE_ID — идентификатор экземпляра (генерируется, если не задан)
	cfg.NodeID = getEnvDefault("AGS_NODE_ID", "")
	if cfg.NodeID == "" {
		cfg.NodeID = randomNodeID()
	}

	// AGS_DATA_DIR — обязательный
	cfg.DataDir, err = getEnvRequired("AGS_DATA_DIR")
	if err != nil {
		return nil, err
	}

	// AGS_ROLE — роль экземпляра (по умолчанию main)
	cfg.Role = getEnvDefault("AGS_ROLE", RoleMain)
	if cfg.Role != RoleMain && cfg.Role != RoleRemote {
		return nil, fmt.Errorf("AGS_ROLE: недопустимое значение %q, допустимые: main, remote", cfg.Role)
	}

	// AGS_SERVER_URL — внешний URL этого экземпляра (опционально).
	// Без него remote не регистрируется на main, но синхронизация работает.
	cfg.ServerURL = strings.TrimRight(getEnvDefault("AGS_SERVER_URL", ""), "/")

	// AGS_REMOTE_URLS — список peer URL через запятую (обязателен для remote)
	rawURLs := getEnvDefault("AGS_REMOTE_URLS", "")
	for _, u := range strings.Split(rawURLs, ",") {
		u = strings.TrimRight(strings.TrimSpace(u), "/")
		if u != "" {
			cfg.RemoteURLs = append(cfg.RemoteURLs, u)
		}
	}
	if cfg.Role == RoleRemote && len(cfg.RemoteURLs) == 0 {
		return nil, fmt.Errorf("AGS_REMOTE_URLS: обязателен для роли remote")
	}

	// AGS_SYNC_INTERVAL — интервал опроса peer-ов (по умолчанию 30s)
	cfg.SyncInterval, err = getEnvDuration("AGS_SYNC_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AGS_SYNC_INTERVAL: %w", err)
	}

	// AGS_SYNC_TIMEOUT — таймаут одной попытки синхронизации (по умолчанию 10s)
	cfg.SyncTimeout, err = getEnvDuration("AGS_SYNC_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AGS_SYNC_TIMEOUT: %w", err)
	}

	// AGS_PERSIST_INTERVAL — интервал сохранения снапшота (по умолчанию 30s)
	cfg.PersistInterval, err = getEnvDuration("AGS_PERSIST_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AGS_PERSIST_INTERVAL: %w", err)
	}

	// AGS_JWKS_URL — URL JWKS endpoint (пусто — аутентификация выключена)
	cfg.JWKSUrl = getEnvDefault("AGS_JWKS_URL", "")

	// AGS_JWKS_CA_CERT — путь к CA-сертификату для JWKS endpoint (опционально)
	cfg.JWKSCACert = getEnvDefault("AGS_JWKS_CA_CERT", "")

	// AGS_JWT_LEEWAY — допустимое отклонение времени при проверке JWT (по умолчанию 30s)
	cfg.JWTLeeway, err = getEnvDuration("AGS_JWT_LEEWAY", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AGS_JWT_LEEWAY: %w", err)
	}

	// AGS_TLS_CERT / AGS_TLS_KEY — опциональная пара
	cfg.TLSCert = getEnvDefault("AGS_TLS_CERT", "")
	cfg.TLSKey = getEnvDefault("AGS_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("AGS_TLS_CERT и AGS_TLS_KEY должны быть заданы вместе")
	}

	// AGS_TLS_SKIP_VERIFY — пропуск проверки сертификатов (по умолчанию false)
	cfg.TLSSkipVerify, err = getEnvBool("AGS_TLS_SKIP_VERIFY", false)
	if err != nil {
		return nil, fmt.Errorf("AGS_TLS_SKIP_VERIFY: %w", err)
	}

	// AGS_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("AGS_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("AGS_LOG_LEVEL: %w", err)
	}

	// AGS_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("AGS_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("AGS_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// AGS_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("AGS_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AGS_SHUTDOWN_TIMEOUT: %w", err)
	}

	// AGS_DEPHEALTH_CHECK_INTERVAL — интервал проверки зависимостей (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDuration("AGS_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AGS_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// AGS_DEPHEALTH_GROUP — имя группы в метриках topologymetrics (по умолчанию "agraphstore")
	cfg.DephealthGroup = getEnvDefault("AGS_DEPHEALTH_GROUP", "agraphstore")

	return cfg, nil
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// randomNodeID генерирует короткий идентификатор экземпляра (8 hex-символов).
func randomNodeID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 6h)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
