// Пакет remote — HTTP-клиент удалённого хранилища записей (magpie-server).
// Отказы сервера возвращаются как *Error с HTTP-статусом и кодом ошибки,
// сбои транспорта и таймауты — как ошибки, оборачивающие ErrNetwork.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apierrors "github.com/sagesolar/magpie-sub000/internal/api/errors"
	"github.com/sagesolar/magpie-sub000/internal/domain/model"
)

// ErrNetwork — удалённое хранилище недоступно (нет соединения, таймаут).
var ErrNetwork = errors.New("удалённое хранилище недоступно")

// Error — отказ удалённого хранилища.
type Error struct {
	// StatusCode — HTTP-статус ответа
	StatusCode int
	// Code — машиночитаемый код (VALIDATION_ERROR, FORBIDDEN, ...)
	Code string
	// Message — описание от сервера
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("сервер вернул %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// StatusOf возвращает HTTP-статус отказа сервера или 0 для прочих ошибок.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

// Client — HTTP-клиент magpie-server.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// New создаёт клиент. token может быть пустым (анонимные запросы).
func New(baseURL, token string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("некорректный URL сервера %q", baseURL)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With(slog.String("component", "remote_client")),
	}, nil
}

// ListRecords запрашивает одну страницу видимых записей.
func (c *Client) ListRecords(ctx context.Context, page, limit int) (*model.RecordPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	var out model.RecordPage
	if err := c.do(ctx, http.MethodGet, "/api/v1/records?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListAllRecords собирает все страницы видимых записей.
// Возвращает результат только если получены все страницы.
func (c *Client) ListAllRecords(ctx context.Context, pageSize int) ([]*model.Record, error) {
	var all []*model.Record
	for page := 1; ; page++ {
		resp, err := c.ListRecords(ctx, page, pageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, resp.Data...)
		if page >= resp.TotalPages || len(resp.Data) == 0 {
			return all, nil
		}
	}
}

// GetRecord запрашивает запись по ключу.
func (c *Client) GetRecord(ctx context.Context, key string) (*model.Record, error) {
	var out model.Record
	if err := c.do(ctx, http.MethodGet, recordPath(key), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateRecord создаёт запись. Владельцем становится identity токена.
func (c *Client) CreateRecord(ctx context.Context, in model.RecordInput) (*model.Record, error) {
	var out model.Record
	if err := c.do(ctx, http.MethodPost, "/api/v1/records", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateRecord перезаписывает поля записи.
func (c *Client) UpdateRecord(ctx context.Context, key string, in model.RecordInput) (*model.Record, error) {
	var out model.Record
	if err := c.do(ctx, http.MethodPut, recordPath(key), in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteRecord удаляет запись.
func (c *Client) DeleteRecord(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodDelete, recordPath(key), nil, nil)
}

// Share открывает запись identity из запроса.
func (c *Client) Share(ctx context.Context, key string, req model.ShareRequest) (*model.Record, error) {
	var out model.Record
	if err := c.do(ctx, http.MethodPost, recordPath(key)+"/share", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Unshare закрывает доступ одной identity.
func (c *Client) Unshare(ctx context.Context, key, identity string) (*model.Record, error) {
	var out model.Record
	if err := c.do(ctx, http.MethodDelete, recordPath(key)+"/share/"+url.PathEscape(identity), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Login выполняет вход; created — identity создана этим вызовом.
func (c *Client) Login(ctx context.Context) (ident *model.Identity, created bool, err error) {
	var out model.Identity
	status, err := c.doStatus(ctx, http.MethodPost, "/api/v1/auth/login", nil, &out)
	if err != nil {
		return nil, false, err
	}
	return &out, status == http.StatusCreated, nil
}

// Me возвращает профиль identity токена.
func (c *Client) Me(ctx context.Context) (*model.Identity, error) {
	var out model.Identity
	if err := c.do(ctx, http.MethodGet, "/api/v1/auth/me", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func recordPath(key string) string {
	return "/api/v1/records/" + url.PathEscape(key)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	_, err := c.doStatus(ctx, method, path, body, out)
	return err
}

// doStatus выполняет запрос и декодирует успешный ответ в out.
func (c *Client) doStatus(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("сериализация тела запроса: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("создание запроса %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %s: %w", ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("Запрос к серверу",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode >= 400 {
		return resp.StatusCode, decodeError(resp)
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("%w: декодирование ответа %s %s: %w", ErrNetwork, method, path, err)
		}
	}
	return resp.StatusCode, nil
}

// decodeError разбирает тело ошибки {"error":{"code","message"}}.
func decodeError(resp *http.Response) error {
	e := &Error{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var body apierrors.ErrorBody
	if err := json.Unmarshal(data, &body); err == nil && body.Error.Code != "" {
		e.Code = body.Error.Code
		e.Message = body.Error.Message
		return e
	}

	e.Code = http.StatusText(resp.StatusCode)
	e.Message = strings.TrimSpace(string(data))
	return e
}
