package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/sagesolar/magpie-sub000/internal/domain/model"
)

const identityColumns = `id, email, name, preferences, created_at, updated_at, last_login_at`

// IdentityRepository — интерфейс доступа к identity.
type IdentityRepository interface {
	// Provision создаёт identity или отмечает вход существующей.
	// created = true, если identity создана этим вызовом.
	Provision(ctx context.Context, id, email, name string) (identity *model.Identity, created bool, err error)
	// GetByID возвращает identity по id или ErrNotFound.
	GetByID(ctx context.Context, id string) (*model.Identity, error)
	// GetByEmail возвращает identity по email (без учёта регистра) или ErrNotFound.
	GetByEmail(ctx context.Context, email string) (*model.Identity, error)
	// UpdateProfile обновляет имя и настройки.
	UpdateProfile(ctx context.Context, id string, upd model.ProfileUpdate) (*model.Identity, error)
	// TouchLastLogin обновляет время последнего входа.
	TouchLastLogin(ctx context.Context, id string) error
	// Delete удаляет identity.
	Delete(ctx context.Context, id string) error
}

type identityRepo struct {
	db DBTX
}

// NewIdentityRepository создаёт репозиторий identity.
func NewIdentityRepository(db DBTX) IdentityRepository {
	return &identityRepo{db: db}
}

func (r *identityRepo) Provision(ctx context.Context, id, email, name string) (*model.Identity, bool, error) {
	// xmax = 0 только у строки, вставленной этим запросом
	query := fmt.Sprintf(`
		INSERT INTO identities (id, email, name, last_login_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE SET last_login_at = now()
		RETURNING %s, (xmax = 0) AS inserted`, identityColumns)

	ident := &model.Identity{}
	var (
		prefs    []byte
		inserted bool
	)
	err := r.db.QueryRow(ctx, query, id, email, name).Scan(
		&ident.ID, &ident.Email, &ident.Name, &prefs,
		&ident.CreatedAt, &ident.UpdatedAt, &ident.LastLoginAt, &inserted,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, false, fmt.Errorf("%w: email %s занят другой identity", ErrConflict, email)
		}
		return nil, false, fmt.Errorf("ошибка создания identity: %w", err)
	}
	ident.Preferences = json.RawMessage(prefs)
	return ident, inserted, nil
}

func (r *identityRepo) GetByID(ctx context.Context, id string) (*model.Identity, error) {
	return r.get(ctx, fmt.Sprintf(`SELECT %s FROM identities WHERE id = $1`, identityColumns), id)
}

func (r *identityRepo) GetByEmail(ctx context.Context, email string) (*model.Identity, error) {
	return r.get(ctx,
		fmt.Sprintf(`SELECT %s FROM identities WHERE lower(email) = $1 AND email <> ''`, identityColumns),
		strings.ToLower(email))
}

func (r *identityRepo) get(ctx context.Context, query, arg string) (*model.Identity, error) {
	ident, err := scanIdentity(r.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения identity: %w", err)
	}
	return ident, nil
}

func (r *identityRepo) UpdateProfile(ctx context.Context, id string, upd model.ProfileUpdate) (*model.Identity, error) {
	var prefs []byte
	if len(upd.Preferences) > 0 {
		prefs = upd.Preferences
	}

	query := fmt.Sprintf(`
		UPDATE identities SET
			name = COALESCE($2, name),
			preferences = COALESCE($3::jsonb, preferences),
			updated_at = now()
		WHERE id = $1
		RETURNING %s`, identityColumns)

	ident, err := scanIdentity(r.db.QueryRow(ctx, query, id, upd.Name, prefs))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка обновления профиля: %w", err)
	}
	return ident, nil
}

func (r *identityRepo) TouchLastLogin(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `UPDATE identities SET last_login_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка обновления last_login_at: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *identityRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM identities WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanIdentity(row pgx.Row) (*model.Identity, error) {
	ident := &model.Identity{}
	var prefs []byte
	err := row.Scan(
		&ident.ID, &ident.Email, &ident.Name, &prefs,
		&ident.CreatedAt, &ident.UpdatedAt, &ident.LastLoginAt,
	)
	if err != nil {
		return nil, err
	}
	ident.Preferences = json.RawMessage(prefs)
	return ident, nil
}
