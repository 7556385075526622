// Пакет oplog — файловый журнал мутаций графа (mutations log).
//
// На main каждая принятая мутация сначала записывается со статусом
// pending, затем применяется к графу, затем коммитится. При рестарте
// pending записи откатываются, committed записи новее последнего
// снапшота воспроизводятся поверх него.
//
// Журнал также обслуживает инкрементальную репликацию: Range отдаёт
// непрерывную последовательность committed мутаций (since, head],
// если она целиком присутствует в журнале.
//
// Записи сохраняются атомарно: temp файл → fsync → rename, по одной
// записи на файл %016x.log.json (имя — seq в hex, лексикографический
// порядок совпадает с числовым).
package oplog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/bigkaa/agraphstore/internal/domain/model"
)

// suffix — суффикс файлов журнала.
const suffix = ".log.json"

var (
	// ErrStaleRange — журнал не содержит непрерывную дельту (since, head]:
	// запрошенная версия слишком стара или неизвестна.
	ErrStaleRange = errors.New("журнал не покрывает запрошенный диапазон версий")
	// ErrNotPending — запись имеет неожиданный статус.
	ErrNotPending = errors.New("запись журнала не в статусе pending")
)

// Log — файловый журнал мутаций.
type Log struct {
	dir    string
	mu     sync.Mutex
	logger *slog.Logger
}

// New создаёт журнал в указанной директории, создавая её при
// необходимости и проверяя доступность на запись.
func New(dir string, logger *slog.Logger) (*Log, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию журнала %s: %w", dir, err)
	}

	testFile := filepath.Join(dir, ".oplog_write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o640); err != nil {
		return nil, fmt.Errorf("директория журнала %s недоступна для записи: %w", dir, err)
	}
	os.Remove(testFile)

	return &Log{
		dir:    dir,
		logger: logger.With(slog.String("component", "oplog")),
	}, nil
}

// Append создаёт pending запись для мутации с порядковым номером seq.
// Контрольная сумма считается по сериализованной мутации.
func (l *Log) Append(seq uint64, mut model.Mutation) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	payload, err := json.Marshal(mut)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации мутации: %w", err)
	}

	entry := &Entry{
		Seq:           seq,
		TransactionID: uuid.New().String(),
		Mutation:      mut,
		Checksum:      strconv.FormatUint(xxhash.Sum64(payload), 16),
		Status:        StatusPending,
		StartedAt:     time.Now().UTC(),
	}

	if err := l.writeEntry(entry); err != nil {
		return nil, fmt.Errorf("не удалось создать запись журнала: %w", err)
	}

	l.logger.Debug("Запись журнала создана",
		slog.Uint64("seq", seq),
		slog.String("tx_id", entry.TransactionID),
		slog.String("mutation", string(entry.Mutation.Type)),
	)

	return entry, nil
}

// Commit помечает запись seq как применённую.
func (l *Log) Commit(seq uint64) error {
	return l.complete(seq, StatusCommitted)
}

// Rollback помечает запись seq как отменённую.
func (l *Log) Rollback(seq uint64) error {
	return l.complete(seq, StatusRolledBack)
}

func (l *Log) complete(seq uint64, status Status) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, err := l.readEntry(seq)
	if err != nil {
		return fmt.Errorf("не удалось прочитать запись журнала %d: %w", seq, err)
	}

	if entry.Status != StatusPending {
		return fmt.Errorf("%w: seq=%d status=%s", ErrNotPending, seq, entry.Status)
	}

	now := time.Now().UTC()
	entry.Status = status
	entry.CompletedAt = &now

	if err := l.writeEntry(entry); err != nil {
		return fmt.Errorf("не удалось обновить запись журнала %d: %w", seq, err)
	}

	return nil
}

// Recover сканирует журнал при старте: возвращает committed записи
// в порядке возрастания seq и отдельно pending записи для отката.
func (l *Log) Recover() (committed, pending []*Entry, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.scan()
	if err != nil {
		return nil, nil, err
	}

	for _, entry := range entries {
		switch entry.Status {
		case StatusCommitted:
			committed = append(committed, entry)
		case StatusPending:
			pending = append(pending, entry)
			l.logger.Warn("Обнаружена незавершённая запись журнала",
				slog.Uint64("seq", entry.Seq),
				slog.String("tx_id", entry.TransactionID),
				slog.String("mutation", string(entry.Mutation.Type)),
			)
		}
	}

	return committed, pending, nil
}

// Range возвращает committed записи с since < seq ≤ head в порядке
// возрастания. Если диапазон присутствует не целиком (журнал
// компактирован или head неизвестен), возвращает ErrStaleRange.
func (l *Log) Range(since, head uint64) ([]*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if since >= head {
		return nil, nil
	}

	entries, err := l.scan()
	if err != nil {
		return nil, err
	}

	byseq := make(map[uint64]*Entry, len(entries))
	for _, entry := range entries {
		if entry.Status == StatusCommitted {
			byseq[entry.Seq] = entry
		}
	}

	result := make([]*Entry, 0, head-since)
	for seq := since + 1; seq <= head; seq++ {
		entry, ok := byseq[seq]
		if !ok {
			return nil, fmt.Errorf("%w: отсутствует seq=%d", ErrStaleRange, seq)
		}
		result = append(result, entry)
	}

	return result, nil
}

// Compact удаляет записи с seq ≤ upTo (любого завершённого статуса)
// и все rolled_back записи. Вызывается после сохранения снапшота:
// журнал нужен только для дельт новее последнего снапшота.
func (l *Log) Compact(upTo uint64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.scan()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		if entry.Status == StatusPending {
			continue
		}
		if entry.Seq > upTo && entry.Status != StatusRolledBack {
			continue
		}
		if err := os.Remove(l.entryPath(entry.Seq)); err != nil {
			l.logger.Warn("Не удалось удалить запись журнала",
				slog.Uint64("seq", entry.Seq),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
	}

	if removed > 0 {
		l.logger.Info("Журнал компактирован",
			slog.Uint64("up_to", upTo),
			slog.Int("removed", removed),
		)
	}

	return removed, nil
}

// Truncate удаляет все записи журнала. Вызывается на follower после
// применения полного снапшота: локальный журнал больше не согласован
// с новой историей версий.
func (l *Log) Truncate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	paths, err := filepath.Glob(filepath.Join(l.dir, "*"+suffix))
	if err != nil {
		return fmt.Errorf("не удалось сканировать директорию журнала: %w", err)
	}

	for _, path := range paths {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("не удалось удалить %s: %w", path, err)
		}
	}

	return nil
}

// Dir возвращает путь к директории журнала.
func (l *Log) Dir() string {
	return l.dir
}

// --- внутренние методы ---

func (l *Log) entryPath(seq uint64) string {
	return filepath.Join(l.dir, fmt.Sprintf("%016x%s", seq, suffix))
}

// scan читает все записи журнала, отсортированные по seq.
func (l *Log) scan() ([]*Entry, error) {
	paths, err := filepath.Glob(filepath.Join(l.dir, "*"+suffix))
	if err != nil {
		return nil, fmt.Errorf("не удалось сканировать директорию журнала: %w", err)
	}

	entries := make([]*Entry, 0, len(paths))
	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), suffix)
		seq, err := strconv.ParseUint(name, 16, 64)
		if err != nil {
			continue
		}

		entry, err := l.readEntry(seq)
		if err != nil {
			l.logger.Warn("Не удалось прочитать запись журнала",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries, nil
}

// writeEntry атомарно записывает запись журнала на диск.
func (l *Log) writeEntry(entry *Entry) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации: %w", err)
	}

	targetPath := l.entryPath(entry.Seq)
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

	return nil
}

func (l *Log) readEntry(seq uint64) (*Entry, error) {
	data, err := os.ReadFile(l.entryPath(seq))
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("ошибка десериализации: %w", err)
	}

	return &entry, nil
}
