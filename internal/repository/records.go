package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/sagesolar/magpie-sub000/internal/domain/model"
)

// recordColumns — список столбцов таблицы records для SELECT-запросов.
const recordColumns = `key, title, authors, publisher, year, description, language,
	page_count, cover_url, notes, favourite, is_loaned, loaned_to, loaned_date,
	expected_return_date, owner_id, shared_with, perm_view, perm_edit, perm_loan,
	perm_share, perm_remove, created_at, updated_at`

// Области видимости для списка записей.
const (
	ScopeAll    = "all"
	ScopeOwned  = "owned"
	ScopeShared = "shared"
)

// ListParams — параметры списка записей.
// Видимость (IdentityID) применяется всегда и до остальных фильтров.
type ListParams struct {
	// IdentityID — identity, для которой строится список (обязателен)
	IdentityID string
	// Scope — all (свои и открытые), owned, shared
	Scope string
	// Query — подстрока по ключу, названию, авторам, издательству
	Query *string
	// Favourite — фильтр по флагу избранного
	Favourite *bool
	// Loaned — фильтр по статусу выдачи
	Loaned *bool
	// SortBy — поле сортировки: updated_at, created_at, title, year, key
	SortBy string
	// SortOrder — направление: asc, desc
	SortOrder string
	// Limit — количество результатов
	Limit int
	// Offset — смещение
	Offset int
}

// RecordRepository — интерфейс доступа к записям каталога.
type RecordRepository interface {
	// Create создаёт запись. Дубликат ключа — ErrConflict.
	Create(ctx context.Context, rec *model.Record) error
	// GetByKey возвращает запись по ключу или ErrNotFound.
	GetByKey(ctx context.Context, key string) (*model.Record, error)
	// GetByKeyForUpdate возвращает запись с блокировкой строки (только в транзакции).
	GetByKeyForUpdate(ctx context.Context, key string) (*model.Record, error)
	// Update перезаписывает все изменяемые поля записи.
	Update(ctx context.Context, rec *model.Record) error
	// Delete удаляет запись.
	Delete(ctx context.Context, key string) error
	// List возвращает видимые identity записи с фильтрами и пагинацией.
	// Возвращает: список записей, общее количество, ошибка.
	List(ctx context.Context, params ListParams) ([]*model.Record, int, error)
	// RemoveFromShares удаляет identity из shared_with всех записей.
	RemoveFromShares(ctx context.Context, identityID string) (int, error)
	// DeleteOwnedBy удаляет все записи владельца.
	DeleteOwnedBy(ctx context.Context, ownerID string) (int, error)
}

// recordRepo — реализация RecordRepository через pgx.
type recordRepo struct {
	db DBTX
}

// NewRecordRepository создаёт репозиторий записей.
func NewRecordRepository(db DBTX) RecordRepository {
	return &recordRepo{db: db}
}

func (r *recordRepo) Create(ctx context.Context, rec *model.Record) error {
	query := `
		INSERT INTO records (key, title, authors, publisher, year, description, language,
			page_count, cover_url, notes, favourite, is_loaned, loaned_to, loaned_date,
			expected_return_date, owner_id, shared_with, perm_view, perm_edit, perm_loan,
			perm_share, perm_remove)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query, recordArgs(rec)...).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: запись с ключом %s уже существует", ErrConflict, rec.Key)
		}
		return fmt.Errorf("ошибка создания записи: %w", err)
	}
	return nil
}

func (r *recordRepo) GetByKey(ctx context.Context, key string) (*model.Record, error) {
	return r.get(ctx, fmt.Sprintf(`SELECT %s FROM records WHERE key = $1`, recordColumns), key)
}

func (r *recordRepo) GetByKeyForUpdate(ctx context.Context, key string) (*model.Record, error) {
	return r.get(ctx, fmt.Sprintf(`SELECT %s FROM records WHERE key = $1 FOR UPDATE`, recordColumns), key)
}

func (r *recordRepo) get(ctx context.Context, query, key string) (*model.Record, error) {
	rec, err := scanRecord(r.db.QueryRow(ctx, query, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения записи: %w", err)
	}
	return rec, nil
}

func (r *recordRepo) Update(ctx context.Context, rec *model.Record) error {
	query := `
		UPDATE records SET
			title = $2, authors = $3, publisher = $4, year = $5, description = $6,
			language = $7, page_count = $8, cover_url = $9, notes = $10, favourite = $11,
			is_loaned = $12, loaned_to = $13, loaned_date = $14, expected_return_date = $15,
			owner_id = $16, shared_with = $17, perm_view = $18, perm_edit = $19,
			perm_loan = $20, perm_share = $21, perm_remove = $22, updated_at = now()
		WHERE key = $1
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query, recordArgs(rec)...).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("ошибка обновления записи: %w", err)
	}
	return nil
}

func (r *recordRepo) Delete(ctx context.Context, key string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM records WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("ошибка удаления записи: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List выполняет выборку с предфильтром видимости, фильтрами, сортировкой и пагинацией.
func (r *recordRepo) List(ctx context.Context, params ListParams) ([]*model.Record, int, error) {
	where, args := buildListWhere(params, 1)
	argNum := len(args) + 1
	orderBy := buildOrderBy(params.SortBy, params.SortOrder)

	dataQuery := fmt.Sprintf(
		`SELECT %s FROM records %s %s LIMIT $%d OFFSET $%d`,
		recordColumns, where, orderBy, argNum, argNum+1,
	)

	rows, err := r.db.Query(ctx, dataQuery, append(args, params.Limit, params.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("ошибка выборки записей: %w", err)
	}
	defer rows.Close()

	result := make([]*model.Record, 0, params.Limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("ошибка сканирования записи: %w", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("ошибка итерации результатов: %w", err)
	}

	countWhere, countArgs := buildListWhere(params, 1)
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM records `+countWhere, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ошибка подсчёта записей: %w", err)
	}

	return result, total, nil
}

func (r *recordRepo) RemoveFromShares(ctx context.Context, identityID string) (int, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE records
		SET shared_with = array_remove(shared_with, $1), updated_at = now()
		WHERE $1 = ANY(shared_with)`, identityID)
	if err != nil {
		return 0, fmt.Errorf("ошибка удаления identity из shared_with: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *recordRepo) DeleteOwnedBy(ctx context.Context, ownerID string) (int, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM records WHERE owner_id = $1`, ownerID)
	if err != nil {
		return 0, fmt.Errorf("ошибка удаления записей владельца: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// visibilityPredicate — единый предикат видимости: владелец или участник с правом чтения.
const visibilityPredicate = "(owner_id = $%[1]d OR ($%[1]d = ANY(shared_with) AND perm_view))"

// buildListWhere строит WHERE-условие и аргументы для списка записей.
// Первым условием всегда идёт предфильтр видимости.
// startArg — номер первого $-параметра.
func buildListWhere(params ListParams, startArg int) (whereClause string, args []any) {
	argNum := startArg

	var visibility string
	switch params.Scope {
	case ScopeOwned:
		visibility = fmt.Sprintf("owner_id = $%d", argNum)
	case ScopeShared:
		visibility = fmt.Sprintf("($%d = ANY(shared_with) AND perm_view)", argNum)
	default:
		visibility = fmt.Sprintf(visibilityPredicate, argNum)
	}
	conditions := []string{visibility}
	args = append(args, params.IdentityID)
	argNum++

	// Подстрока по ключу, названию, авторам, издательству
	if params.Query != nil && *params.Query != "" {
		conditions = append(conditions, fmt.Sprintf(
			"(key ILIKE $%[1]d OR title ILIKE $%[1]d OR publisher ILIKE $%[1]d OR array_to_string(authors, ' ') ILIKE $%[1]d)",
			argNum))
		args = append(args, "%"+*params.Query+"%")
		argNum++
	}

	if params.Favourite != nil {
		conditions = append(conditions, fmt.Sprintf("favourite = $%d", argNum))
		args = append(args, *params.Favourite)
		argNum++
	}

	if params.Loaned != nil {
		conditions = append(conditions, fmt.Sprintf("is_loaned = $%d", argNum))
		args = append(args, *params.Loaned)
	}

	return "WHERE " + strings.Join(conditions, " AND "), args
}

// Допустимые поля сортировки (whitelist для предотвращения SQL-инъекций).
const defaultSortColumn = "updated_at"

// buildOrderBy строит ORDER BY с безопасным whitelist полей.
// Второй ключ (key) делает порядок страниц детерминированным.
func buildOrderBy(sortBy, sortOrder string) string {
	column := defaultSortColumn
	switch sortBy {
	case "created_at", "title", "year", "key":
		column = sortBy
	}

	direction := "DESC"
	if strings.EqualFold(sortOrder, "asc") {
		direction = "ASC"
	}

	if column == "key" {
		return "ORDER BY key " + direction
	}
	return fmt.Sprintf("ORDER BY %s %s, key ASC", column, direction)
}

// recordArgs — аргументы INSERT/UPDATE в порядке $1..$22.
func recordArgs(rec *model.Record) []any {
	authors := rec.Authors
	if authors == nil {
		authors = []string{}
	}
	shared := rec.SharedWith
	if shared == nil {
		shared = []string{}
	}
	return []any{
		rec.Key, rec.Title, authors, rec.Publisher, rec.Year, rec.Description, rec.Language,
		rec.PageCount, rec.CoverURL, rec.Notes, rec.Favourite, rec.Loan.IsLoaned,
		rec.Loan.LoanedTo, rec.Loan.LoanedDate, rec.Loan.ExpectedReturnDate, rec.Owner,
		shared, rec.Permissions.CanView, rec.Permissions.CanEdit, rec.Permissions.CanLoan,
		rec.Permissions.CanShare, rec.Permissions.CanRemove,
	}
}

// scanRecord сканирует строку в порядке recordColumns.
func scanRecord(row pgx.Row) (*model.Record, error) {
	rec := &model.Record{}
	err := row.Scan(
		&rec.Key, &rec.Title, &rec.Authors, &rec.Publisher, &rec.Year, &rec.Description,
		&rec.Language, &rec.PageCount, &rec.CoverURL, &rec.Notes, &rec.Favourite,
		&rec.Loan.IsLoaned, &rec.Loan.LoanedTo, &rec.Loan.LoanedDate, &rec.Loan.ExpectedReturnDate,
		&rec.Owner, &rec.SharedWith, &rec.Permissions.CanView, &rec.Permissions.CanEdit,
		&rec.Permissions.CanLoan, &rec.Permissions.CanShare, &rec.Permissions.CanRemove,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}
