// client.go — HTTP-клиент Replication Client: получение снапшотов
// и дельт от peer-а, регистрация follower-а на main.
package replica

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bigkaa/agraphstore/internal/storage/snapshot"
)

// ErrCorruptPayload — полученные данные не прошли проверку целостности.
// Обрабатывается как отказ peer-а: источник отбрасывается, применения
// наполовину не происходит.
var ErrCorruptPayload = errors.New("полученный снапшот не прошёл проверку целостности")

// Client — HTTP-клиент для запросов к replication API peer-ов.
type Client struct {
	httpClient *http.Client
	nodeID     string
	logger     *slog.Logger
}

// NewClient создаёт клиент репликации.
//
// Параметры:
//   - nodeID: идентификатор этого экземпляра (заголовок X-AGS-Node)
//   - timeout: таймаут одного запроса (AGS_SYNC_TIMEOUT)
//   - tlsSkipVerify: пропускать проверку TLS-сертификатов (AGS_TLS_SKIP_VERIFY)
//   - logger: логгер
func NewClient(nodeID string, timeout time.Duration, tlsSkipVerify bool, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: tlsSkipVerify, //nolint:gosec // настраивается через AGS_TLS_SKIP_VERIFY
				},
			},
		},
		nodeID: nodeID,
		logger: logger.With(slog.String("component", "replication_client")),
	}
}

// Fetch запрашивает у peer-а состояние новее since.
// Возвращает nil без ошибки, если peer не имеет более новой версии (204).
// Полный снапшот проверяется по контрольной сумме до десериализации;
// несовпадение — ErrCorruptPayload.
func (c *Client) Fetch(ctx context.Context, peerURL string, since uint64) (*SnapshotResponse, error) {
	reqURL := fmt.Sprintf("%s/api/v1/replication/snapshot?since=%s",
		normalizeURL(peerURL), strconv.FormatUint(since, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("создание запроса снапшота: %w", err)
	}
	req.Header.Set("X-AGS-Node", c.nodeID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("запрос снапшота к %s: %w", peerURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("peer %s вернул статус %d: %s", peerURL, resp.StatusCode, string(body))
	}

	var sr SnapshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("десериализация ответа peer %s: %w", peerURL, err)
	}

	switch sr.Type {
	case ResponseFull:
		if got := snapshot.Checksum(sr.Snapshot); got != sr.Checksum {
			return nil, fmt.Errorf("%w: %s != %s (peer %s)",
				ErrCorruptPayload, got, sr.Checksum, peerURL)
		}
	case ResponseDelta:
		for _, entry := range sr.Mutations {
			if got := snapshot.Checksum(entry.Mutation); got != entry.Checksum {
				return nil, fmt.Errorf("%w: дельта seq=%d (peer %s)",
					ErrCorruptPayload, entry.Seq, peerURL)
			}
		}
	default:
		return nil, fmt.Errorf("peer %s вернул неизвестный тип ответа %q", peerURL, sr.Type)
	}

	return &sr, nil
}

// Register регистрирует этот экземпляр как follower на main.
// Неуспешная регистрация не фатальна: main узнаёт о follower-е
// при следующем успешном Register.
func (c *Client) Register(ctx context.Context, peerURL, selfURL string) error {
	body, err := json.Marshal(RegisterRequest{URL: selfURL})
	if err != nil {
		return fmt.Errorf("сериализация запроса регистрации: %w", err)
	}

	reqURL := normalizeURL(peerURL) + "/api/v1/replication/peers"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("создание запроса регистрации: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-AGS-Node", c.nodeID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("запрос регистрации к %s: %w", peerURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("peer %s отклонил регистрацию: статус %d", peerURL, resp.StatusCode)
	}

	return nil
}

// normalizeURL убирает trailing slash из URL.
func normalizeURL(rawURL string) string {
	return strings.TrimRight(rawURL, "/")
}
