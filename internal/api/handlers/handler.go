// Пакет handlers — HTTP-обработчики magpie-server.
// handler.go — общие зависимости и вспомогательные функции обработчиков.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	apierrors "github.com/sagesolar/magpie-sub000/internal/api/errors"
	"github.com/sagesolar/magpie-sub000/internal/domain/model"
	"github.com/sagesolar/magpie-sub000/internal/service"
)

// maxBodySize — ограничение размера тела запроса (1 МБ).
const maxBodySize = 1 << 20

// RecordAuthority — операции Remote Record Authority, используемые обработчиками.
// Реализуется service.RecordService.
type RecordAuthority interface {
	List(ctx context.Context, caller string, q service.ListQuery) (*model.RecordPage, error)
	Get(ctx context.Context, caller, key string) (*model.Record, error)
	Create(ctx context.Context, caller string, in model.RecordInput) (*model.Record, error)
	Update(ctx context.Context, caller, key string, in model.RecordInput) (*model.Record, error)
	Delete(ctx context.Context, caller, key string) error
	Share(ctx context.Context, caller, key string, req model.ShareRequest) (*model.Record, error)
	Unshare(ctx context.Context, caller, key, identityID string) (*model.Record, error)
	Lend(ctx context.Context, caller, key string, req service.LoanRequest) (*model.Record, error)
	Return(ctx context.Context, caller, key string) (*model.Record, error)
}

// IdentityManager — операции над identity, используемые обработчиками.
// Реализуется service.IdentityService.
type IdentityManager interface {
	Login(ctx context.Context, claims service.LoginClaims) (*model.Identity, bool, error)
	UpdateProfile(ctx context.Context, id string, upd model.ProfileUpdate) (*model.Identity, error)
	DeleteAccount(ctx context.Context, id string) error
}

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// decodeJSON декодирует тело запроса. Пустое тело и лишние данные после
// JSON-значения считаются ошибкой.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("тело запроса пустое")
		}
		return fmt.Errorf("некорректный JSON в теле запроса: %w", err)
	}
	if dec.More() {
		return errors.New("в теле запроса больше одного JSON-значения")
	}
	return nil
}

// writeServiceError переводит ошибку сервиса в HTTP-ответ.
// Отсутствующая и невидимая запись дают одинаковое тело 404.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error, op string) {
	switch {
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrUnauthorized):
		apierrors.Unauthorized(w, "Требуется аутентификация")
	case errors.Is(err, service.ErrForbidden):
		apierrors.Forbidden(w, "Недостаточно прав для операции")
	case errors.Is(err, service.ErrNotFound):
		apierrors.RecordNotFound(w)
	case errors.Is(err, service.ErrConflict):
		apierrors.Conflict(w, "Запись с таким ключом уже существует")
	default:
		logger.Error("Внутренняя ошибка обработки запроса",
			slog.String("operation", op),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
	}
}
