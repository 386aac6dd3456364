// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import (
	"errors"
	"fmt"

	"github.com/sagesolar/magpie-sub000/internal/domain/access"
	"github.com/sagesolar/magpie-sub000/internal/repository"
)

var (
	// ErrNotFound — ресурс не найден или невидим для вызывающего.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrConflict — конфликт (дублирующийся ресурс).
	ErrConflict = errors.New("конфликт — ресурс уже существует")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrUnauthorized — операция требует аутентифицированной identity.
	ErrUnauthorized = errors.New("требуется аутентификация")
	// ErrForbidden — недостаточно прав для операции.
	ErrForbidden = errors.New("недостаточно прав")
)

// validationErrorf формирует ошибку валидации с описанием.
func validationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// mapGuardError переводит решение Ownership Guard в ошибку сервиса.
// Невидимая запись становится ErrNotFound.
func mapGuardError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, access.ErrUnauthorized):
		return ErrUnauthorized
	case errors.Is(err, access.ErrForbidden):
		return ErrForbidden
	case errors.Is(err, access.ErrNotVisible):
		return ErrNotFound
	default:
		return err
	}
}

// mapRepoError переводит ошибки репозитория в ошибки сервиса.
func mapRepoError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, repository.ErrConflict):
		return fmt.Errorf("%w: %w", ErrConflict, err) //nolint:errorlint // намеренный двойной wrap
	default:
		return err
	}
}
