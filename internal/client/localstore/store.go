// Пакет localstore — локальное хранилище устройства на SQLite:
// Record Store (кэш видимых записей), Change Log (журнал изменений,
// ещё не подтверждённых удалённым хранилищем) и метаданные синхронизации.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sagesolar/magpie-sub000/internal/domain/model"

	_ "github.com/mattn/go-sqlite3" // драйвер SQLite
)

// ErrNotFound — запись отсутствует в локальном хранилище.
var ErrNotFound = errors.New("запись не найдена в локальном хранилище")

// Ключи метаданных синхронизации.
const (
	MetaLastSyncAt = "last_sync_at"
	MetaLastPullAt = "last_pull_at"
	MetaDeviceID   = "device_id"
)

// dbtx — общее подмножество *sql.DB и *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries — операции над локальными таблицами поверх соединения или транзакции.
type Queries struct {
	db  dbtx
	now func() time.Time
}

// Store — локальное хранилище устройства.
type Store struct {
	*Queries
	sqlDB  *sql.DB
	logger *slog.Logger
}

// Open открывает (или создаёт) базу по пути path и применяет миграции.
// path может быть ":memory:" для тестов.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("создание директории базы: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("открытие базы %s: %w", path, err)
	}
	// База :memory: существует только в пределах одного соединения.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		Queries: &Queries{db: db, now: time.Now},
		sqlDB:   db,
		logger:  logger.With(slog.String("component", "localstore")),
	}, nil
}

// Close закрывает соединение с базой.
func (s *Store) Close() error {
	return s.sqlDB.Close()
}

// WithTx выполняет fn в транзакции. При ошибке fn — откат.
func (s *Store) WithTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("начало транзакции: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // откат после коммита — no-op

	if err := fn(&Queries{db: tx, now: s.now}); err != nil {
		return err
	}
	return tx.Commit()
}

// DeviceID возвращает идентификатор устройства, создавая его при первом вызове.
func (s *Store) DeviceID(ctx context.Context) (string, error) {
	id, err := s.GetMeta(ctx, MetaDeviceID)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := s.SetMeta(ctx, MetaDeviceID, id); err != nil {
		return "", err
	}
	return id, nil
}

// --- Record Store ---

// UpsertRecord сохраняет запись, перезаписывая существующую по ключу.
// Неизменённая запись не трогается: updated_at остаётся прежним.
func (q *Queries) UpsertRecord(ctx context.Context, rec *model.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("сериализация записи %s: %w", rec.Key, err)
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO records (key, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
		 WHERE records.data <> excluded.data`,
		rec.Key, string(data), q.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("сохранение записи %s: %w", rec.Key, err)
	}
	return nil
}

// GetRecord возвращает запись по ключу или ErrNotFound.
func (q *Queries) GetRecord(ctx context.Context, key string) (*model.Record, error) {
	var data string
	err := q.db.QueryRowContext(ctx, `SELECT data FROM records WHERE key = ?`, key).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("чтение записи %s: %w", key, err)
	}
	return decodeRecord(data)
}

// DeleteRecord удаляет запись. Отсутствие записи — ErrNotFound.
func (q *Queries) DeleteRecord(ctx context.Context, key string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("удаление записи %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListFilter — фильтры локального списка записей.
type ListFilter struct {
	// Query — подстрока в ключе, названии, авторах или издателе (без учёта регистра)
	Query string
	// Favourite — только избранные (true) или только неизбранные (false)
	Favourite *bool
	// Loaned — только выданные (true) или только невыданные (false)
	Loaned *bool
}

// ListRecords возвращает записи, отсортированные по названию, затем по ключу.
func (q *Queries) ListRecords(ctx context.Context, f ListFilter) ([]*model.Record, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT data FROM records ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("список записей: %w", err)
	}
	defer rows.Close()

	var out []*model.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("чтение строки записи: %w", err)
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		if f.matches(rec) {
			out = append(out, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("итерация записей: %w", err)
	}

	slices.SortStableFunc(out, func(a, b *model.Record) int {
		return strings.Compare(strings.ToLower(a.Title), strings.ToLower(b.Title))
	})
	return out, nil
}

func (f ListFilter) matches(rec *model.Record) bool {
	if f.Favourite != nil && rec.Favourite != *f.Favourite {
		return false
	}
	if f.Loaned != nil && rec.Loan.IsLoaned != *f.Loaned {
		return false
	}
	if f.Query == "" {
		return true
	}
	needle := strings.ToLower(f.Query)
	haystack := []string{rec.Key, rec.Title, rec.Publisher}
	haystack = append(haystack, rec.Authors...)
	return slices.ContainsFunc(haystack, func(s string) bool {
		return strings.Contains(strings.ToLower(s), needle)
	})
}

func decodeRecord(data string) (*model.Record, error) {
	var rec model.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("десериализация записи: %w", err)
	}
	return &rec, nil
}

// --- Change Log ---

// AppendChange добавляет запись в журнал: новый UUID, текущее время, synced=false.
// payload — RecordInput для create/update, nil для delete.
func (q *Queries) AppendChange(ctx context.Context, action model.ChangeAction, key string, payload any) (*model.Change, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("недопустимое действие журнала: %q", action)
	}

	ch := &model.Change{
		ID:        uuid.NewString(),
		RecordKey: key,
		Action:    action,
		Timestamp: q.now().UnixMilli(),
	}

	var data sql.NullString
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("сериализация данных изменения: %w", err)
		}
		ch.Payload = raw
		data = sql.NullString{String: string(raw), Valid: true}
	}

	res, err := q.db.ExecContext(ctx,
		`INSERT INTO changes (id, isbn, action, data, timestamp, synced) VALUES (?, ?, ?, ?, ?, 0)`,
		ch.ID, ch.RecordKey, string(ch.Action), data, ch.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("добавление изменения: %w", err)
	}
	ch.Seq, _ = res.LastInsertId()
	return ch, nil
}

const changeColumns = `seq, id, isbn, action, data, timestamp, synced`

// ListUnsynced возвращает неподтверждённые изменения в порядке создания.
func (q *Queries) ListUnsynced(ctx context.Context) ([]*model.Change, error) {
	return q.listChanges(ctx, `SELECT `+changeColumns+` FROM changes WHERE synced = 0 ORDER BY seq`)
}

// ListChanges возвращает весь журнал (включая подтверждённые) в порядке создания.
func (q *Queries) ListChanges(ctx context.Context) ([]*model.Change, error) {
	return q.listChanges(ctx, `SELECT `+changeColumns+` FROM changes ORDER BY seq`)
}

func (q *Queries) listChanges(ctx context.Context, query string) ([]*model.Change, error) {
	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("чтение журнала изменений: %w", err)
	}
	defer rows.Close()

	var out []*model.Change
	for rows.Next() {
		var (
			ch     model.Change
			action string
			data   sql.NullString
			synced int
		)
		if err := rows.Scan(&ch.Seq, &ch.ID, &ch.RecordKey, &action, &data, &ch.Timestamp, &synced); err != nil {
			return nil, fmt.Errorf("чтение строки журнала: %w", err)
		}
		ch.Action = model.ChangeAction(action)
		if data.Valid {
			ch.Payload = json.RawMessage(data.String)
		}
		ch.Synced = synced == 1
		out = append(out, &ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("итерация журнала: %w", err)
	}
	return out, nil
}

// MarkSynced отмечает изменение подтверждённым. Повторный вызов — no-op.
// Неизвестный id — ErrNotFound.
func (q *Queries) MarkSynced(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `UPDATE changes SET synced = 1 WHERE id = ? AND synced = 0`, id)
	if err != nil {
		return fmt.Errorf("отметка изменения %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var exists int
	err = q.db.QueryRowContext(ctx, `SELECT 1 FROM changes WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("проверка изменения %s: %w", id, err)
	}
	return nil
}

// PurgeSynced удаляет подтверждённые изменения. Возвращает количество удалённых.
func (q *Queries) PurgeSynced(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM changes WHERE synced = 1`)
	if err != nil {
		return 0, fmt.Errorf("очистка журнала: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- Метаданные синхронизации ---

// GetMeta возвращает значение метаданных или пустую строку, если ключа нет.
func (q *Queries) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := q.db.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("чтение метаданных %s: %w", key, err)
	}
	return value, nil
}

// SetMeta сохраняет значение метаданных.
func (q *Queries) SetMeta(ctx context.Context, key, value string) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO sync_meta (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("запись метаданных %s: %w", key, err)
	}
	return nil
}

// GetTime читает метку времени (RFC 3339). Отсутствие — нулевое время.
func (q *Queries) GetTime(ctx context.Context, key string) (time.Time, error) {
	v, err := q.GetMeta(ctx, key)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("метаданные %s: %w", key, err)
	}
	return t, nil
}

// SetTime сохраняет метку времени в RFC 3339.
func (q *Queries) SetTime(ctx context.Context, key string, t time.Time) error {
	return q.SetMeta(ctx, key, t.UTC().Format(time.RFC3339Nano))
}
