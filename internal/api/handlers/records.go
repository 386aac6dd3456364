// records.go — обработчики /api/v1/records: список, CRUD, шаринг, выдача.
// Решения о доступе принимает сервисный слой (Ownership Guard),
// обработчики только извлекают вызывающего из контекста.
package handlers

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"

	apierrors "github.com/sagesolar/magpie-sub000/internal/api/errors"
	"github.com/sagesolar/magpie-sub000/internal/api/middleware"
	"github.com/sagesolar/magpie-sub000/internal/domain/model"
	"github.com/sagesolar/magpie-sub000/internal/service"
)

// RecordHandler — обработчик endpoints записей каталога.
type RecordHandler struct {
	records         RecordAuthority
	defaultPageSize int
	maxPageSize     int
	logger          *slog.Logger
}

// NewRecordHandler создаёт обработчик записей.
func NewRecordHandler(records RecordAuthority, defaultPageSize, maxPageSize int, logger *slog.Logger) *RecordHandler {
	return &RecordHandler{
		records:         records,
		defaultPageSize: defaultPageSize,
		maxPageSize:     maxPageSize,
		logger:          logger.With(slog.String("component", "record_handler")),
	}
}

// listParams — query-параметры GET /records.
type listParams struct {
	Page      *int
	Limit     *int
	Q         *string
	Scope     *string
	Favourite *bool
	Loaned    *bool
	SortBy    *string
	SortOrder *string
}

// bindListParams разбирает query-параметры (form, explode).
func bindListParams(r *http.Request) (*listParams, error) {
	var p listParams
	query := r.URL.Query()
	bindings := []struct {
		name string
		dest any
	}{
		{"page", &p.Page},
		{"limit", &p.Limit},
		{"q", &p.Q},
		{"scope", &p.Scope},
		{"favourite", &p.Favourite},
		{"loaned", &p.Loaned},
		{"sortBy", &p.SortBy},
		{"sortOrder", &p.SortOrder},
	}
	for _, b := range bindings {
		if err := runtime.BindQueryParameter("form", true, false, b.name, query, b.dest); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

// toListQuery нормализует пагинацию и переводит параметры в запрос сервиса.
func (h *RecordHandler) toListQuery(p *listParams) service.ListQuery {
	q := service.ListQuery{
		Page:      1,
		Limit:     h.defaultPageSize,
		Favourite: p.Favourite,
		Loaned:    p.Loaned,
	}
	if p.Page != nil && *p.Page > 0 {
		q.Page = *p.Page
	}
	if p.Limit != nil {
		q.Limit = min(max(*p.Limit, 1), h.maxPageSize)
	}
	if p.Q != nil {
		q.Query = *p.Q
	}
	if p.Scope != nil {
		q.Scope = *p.Scope
	}
	if p.SortBy != nil {
		q.SortBy = *p.SortBy
	}
	if p.SortOrder != nil {
		q.SortOrder = *p.SortOrder
	}
	return q
}

// List — GET /api/v1/records.
func (h *RecordHandler) List(w http.ResponseWriter, r *http.Request) {
	params, err := bindListParams(r)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	page, err := h.records.List(r.Context(), middleware.CallerID(r.Context()), h.toListQuery(params))
	if err != nil {
		writeServiceError(w, h.logger, err, "list")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// Get — GET /api/v1/records/{key}.
func (h *RecordHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.records.Get(r.Context(), middleware.CallerID(r.Context()), chi.URLParam(r, "key"))
	if err != nil {
		writeServiceError(w, h.logger, err, "get")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Create — POST /api/v1/records.
func (h *RecordHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in model.RecordInput
	if err := decodeJSON(w, r, &in); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	rec, err := h.records.Create(r.Context(), middleware.CallerID(r.Context()), in)
	if err != nil {
		writeServiceError(w, h.logger, err, "create")
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// Update — PUT /api/v1/records/{key}.
func (h *RecordHandler) Update(w http.ResponseWriter, r *http.Request) {
	var in model.RecordInput
	if err := decodeJSON(w, r, &in); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	rec, err := h.records.Update(r.Context(), middleware.CallerID(r.Context()), chi.URLParam(r, "key"), in)
	if err != nil {
		writeServiceError(w, h.logger, err, "update")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Delete — DELETE /api/v1/records/{key}.
func (h *RecordHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.records.Delete(r.Context(), middleware.CallerID(r.Context()), chi.URLParam(r, "key")); err != nil {
		writeServiceError(w, h.logger, err, "delete")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Share — POST /api/v1/records/{key}/share.
func (h *RecordHandler) Share(w http.ResponseWriter, r *http.Request) {
	var req model.ShareRequest
	if err := decodeJSON(w, r, &req); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	rec, err := h.records.Share(r.Context(), middleware.CallerID(r.Context()), chi.URLParam(r, "key"), req)
	if err != nil {
		writeServiceError(w, h.logger, err, "share")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Unshare — DELETE /api/v1/records/{key}/share/{identity}.
func (h *RecordHandler) Unshare(w http.ResponseWriter, r *http.Request) {
	// chi отдаёт параметр из RawPath, если в пути есть экранированные символы
	identity, err := url.PathUnescape(chi.URLParam(r, "identity"))
	if err != nil {
		apierrors.ValidationError(w, "Некорректный идентификатор пользователя")
		return
	}

	rec, err := h.records.Unshare(r.Context(), middleware.CallerID(r.Context()), chi.URLParam(r, "key"), identity)
	if err != nil {
		writeServiceError(w, h.logger, err, "unshare")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Lend — POST /api/v1/records/{key}/loan.
func (h *RecordHandler) Lend(w http.ResponseWriter, r *http.Request) {
	var req service.LoanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	rec, err := h.records.Lend(r.Context(), middleware.CallerID(r.Context()), chi.URLParam(r, "key"), req)
	if err != nil {
		writeServiceError(w, h.logger, err, "loan")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Return — POST /api/v1/records/{key}/return.
func (h *RecordHandler) Return(w http.ResponseWriter, r *http.Request) {
	rec, err := h.records.Return(r.Context(), middleware.CallerID(r.Context()), chi.URLParam(r, "key"))
	if err != nil {
		writeServiceError(w, h.logger, err, "return")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
