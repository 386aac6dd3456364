// identity.go — сервис identity: вход (единственный путь создания identity),
// профиль, удаление аккаунта, поиск для Identity Context Resolver.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sagesolar/magpie-sub000/internal/domain/model"
	"github.com/sagesolar/magpie-sub000/internal/repository"
)

const maxNameLen = 200

// LoginClaims — проверенные утверждения токена, из которых создаётся identity.
type LoginClaims struct {
	Subject string
	Email   string
	Name    string
}

// IdentityService — сервис identity.
type IdentityService struct {
	tx         repository.Transactor
	identities repository.IdentityRepository
	cache      *IdentityCache
	logger     *slog.Logger
}

// NewIdentityService создаёт сервис identity. cache может быть nil.
func NewIdentityService(
	tx repository.Transactor,
	identities repository.IdentityRepository,
	cache *IdentityCache,
	logger *slog.Logger,
) *IdentityService {
	return &IdentityService{
		tx:         tx,
		identities: identities,
		cache:      cache,
		logger:     logger.With(slog.String("component", "identity_service")),
	}
}

// Lookup возвращает существующую identity по id (через кэш).
// Identity не создаётся: отсутствие — ErrNotFound.
func (s *IdentityService) Lookup(ctx context.Context, id string) (*model.Identity, error) {
	if s.cache != nil {
		if ident, ok := s.cache.Get(id); ok {
			return ident, nil
		}
	}

	ident, err := s.identities.GetByID(ctx, id)
	if err != nil {
		return nil, mapRepoError(err)
	}

	if s.cache != nil {
		s.cache.Set(ident)
	}
	return ident, nil
}

// Login создаёт identity при первом входе или отмечает вход существующей.
func (s *IdentityService) Login(ctx context.Context, claims LoginClaims) (*model.Identity, bool, error) {
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, false, validationErrorf("в токене отсутствует sub")
	}

	name := claims.Name
	if name == "" {
		name = claims.Email
	}

	ident, created, err := s.identities.Provision(ctx, claims.Subject, claims.Email, name)
	if err != nil {
		return nil, false, mapRepoError(err)
	}

	if s.cache != nil {
		s.cache.Set(ident)
	}
	if created {
		s.logger.Info("Identity создана", slog.String("id", ident.ID), slog.String("email", ident.Email))
	}
	return ident, created, nil
}

// TouchLastLogin обновляет время последнего входа.
func (s *IdentityService) TouchLastLogin(ctx context.Context, id string) error {
	return mapRepoError(s.identities.TouchLastLogin(ctx, id))
}

// UpdateProfile изменяет имя и настройки. Preferences должны быть JSON-объектом.
func (s *IdentityService) UpdateProfile(ctx context.Context, id string, upd model.ProfileUpdate) (*model.Identity, error) {
	if upd.Name != nil {
		trimmed := strings.TrimSpace(*upd.Name)
		if trimmed == "" || len(trimmed) > maxNameLen {
			return nil, validationErrorf("name: длина должна быть от 1 до %d", maxNameLen)
		}
		upd.Name = &trimmed
	}
	if len(upd.Preferences) > 0 {
		var obj map[string]any
		if err := json.Unmarshal(upd.Preferences, &obj); err != nil || obj == nil {
			return nil, validationErrorf("preferences: ожидается JSON-объект")
		}
	}

	ident, err := s.identities.UpdateProfile(ctx, id, upd)
	if err != nil {
		return nil, mapRepoError(err)
	}

	if s.cache != nil {
		s.cache.Delete(id)
	}
	return ident, nil
}

// DeleteAccount удаляет identity, её записи и её участие в чужих записях.
func (s *IdentityService) DeleteAccount(ctx context.Context, id string) error {
	var removedShares, removedRecords int
	err := s.tx.InTx(ctx, func(repos repository.Repos) error {
		var err error
		removedShares, err = repos.Records.RemoveFromShares(ctx, id)
		if err != nil {
			return err
		}
		removedRecords, err = repos.Records.DeleteOwnedBy(ctx, id)
		if err != nil {
			return err
		}
		return repos.Identities.Delete(ctx, id)
	})
	if s.cache != nil {
		s.cache.Delete(id)
	}
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("удаление аккаунта: %w", err)
	}

	s.logger.Info("Аккаунт удалён",
		slog.String("id", id),
		slog.Int("records", removedRecords),
		slog.Int("shares", removedShares),
	)
	return nil
}
