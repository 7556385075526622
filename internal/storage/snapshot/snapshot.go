// Пакет snapshot — Durable Store: атомарная персистентность
// последнего зафиксированного снапшота графа в одном файле.
//
// Формат файла — JSON-конверт с метаданными версии и контрольной
// суммой xxhash64 поверх сырых байт полезной нагрузки. Запись всегда
// атомарна: temp файл → fsync → atomic rename, поэтому крах процесса
// посреди записи оставляет предыдущий зафиксированный файл нетронутым.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/bigkaa/agraphstore/internal/domain/model"
)

// FileName — имя файла снапшота внутри директории данных.
const FileName = "graph.snap"

// formatVersion — версия формата конверта на диске.
const formatVersion = 1

var (
	// ErrNotFound — файл снапшота отсутствует. Пустой граф — валидное
	// начальное состояние, не ошибка.
	ErrNotFound = errors.New("файл снапшота не найден")
	// ErrCorrupt — файл снапшота не прошёл проверку целостности.
	ErrCorrupt = errors.New("файл снапшота повреждён")
)

// envelope — конверт снапшота на диске.
type envelope struct {
	Format   int             `json:"format"`
	Version  uint64          `json:"version"`
	Checksum string          `json:"checksum"`
	SavedAt  time.Time       `json:"saved_at"`
	Snapshot json.RawMessage `json:"snapshot"`
}

// Store — файловый Durable Store снапшотов графа.
type Store struct {
	dir    string
	logger *slog.Logger
}

// New создаёт Store в указанной директории. Создаёт директорию
// и проверяет её доступность на запись. Ошибка здесь фатальна
// при старте: без рабочей директории нет гарантии durability.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", dir, err)
	}

	testFile := filepath.Join(dir, ".snap_write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o640); err != nil {
		return nil, fmt.Errorf("директория данных %s недоступна для записи: %w", dir, err)
	}
	os.Remove(testFile)

	return &Store{
		dir:    dir,
		logger: logger.With(slog.String("component", "snapshot_store")),
	}, nil
}

// Path возвращает путь к каноническому файлу снапшота.
func (s *Store) Path() string {
	return filepath.Join(s.dir, FileName)
}

// Checksum считает контрольную сумму xxhash64 по сырым байтам
// полезной нагрузки снапшота.
func Checksum(payload []byte) string {
	return strconv.FormatUint(xxhash.Sum64(payload), 16)
}

// Save атомарно записывает снапшот в канонический файл.
// Ошибка записи не трогает предыдущий зафиксированный файл.
func (s *Store) Save(snap *model.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("ошибка сериализации снапшота: %w", err)
	}

	env := envelope{
		Format:   formatVersion,
		Version:  snap.Version,
		Checksum: Checksum(payload),
		SavedAt:  time.Now().UTC(),
		Snapshot: payload,
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("ошибка сериализации конверта: %w", err)
	}

	targetPath := s.Path()
	tmpPath := targetPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, targetPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	s.logger.Debug("Снапшот сохранён",
		slog.Uint64("version", snap.Version),
		slog.Int("bytes", len(data)),
	)

	return nil
}

// Load читает последний зафиксированный снапшот.
// Возвращает ErrNotFound, если файл отсутствует, и ErrCorrupt,
// если конверт не парсится или контрольная сумма не сходится.
func (s *Store) Load() (*model.Snapshot, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка чтения файла снапшота: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: ошибка десериализации конверта: %s", ErrCorrupt, err)
	}

	if env.Format != formatVersion {
		return nil, fmt.Errorf("%w: неизвестная версия формата %d", ErrCorrupt, env.Format)
	}

	if got := Checksum(env.Snapshot); got != env.Checksum {
		return nil, fmt.Errorf("%w: контрольная сумма не сходится: %s != %s",
			ErrCorrupt, got, env.Checksum)
	}

	var snap model.Snapshot
	if err := json.Unmarshal(env.Snapshot, &snap); err != nil {
		return nil, fmt.Errorf("%w: ошибка десериализации снапшота: %s", ErrCorrupt, err)
	}

	if snap.Version != env.Version {
		return nil, fmt.Errorf("%w: версия конверта %d не совпадает с версией снапшота %d",
			ErrCorrupt, env.Version, snap.Version)
	}

	return &snap, nil
}
