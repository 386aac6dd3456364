// records.go — Remote Record Authority: каноническое хранилище записей каталога.
// Каждая операция над конкретной записью проходит через Ownership Guard
// в той же транзакции, что и запись в БД.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sagesolar/magpie-sub000/internal/domain/access"
	"github.com/sagesolar/magpie-sub000/internal/domain/isbn"
	"github.com/sagesolar/magpie-sub000/internal/domain/model"
	"github.com/sagesolar/magpie-sub000/internal/repository"
)

var recordMutations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "magpie_records_mutations_total",
		Help: "Количество успешных изменений записей каталога.",
	},
	[]string{"operation"},
)

// Ограничения полей записи.
const (
	maxTitleLen  = 500
	maxFieldLen  = 4000
	maxAuthors   = 50
	maxShareSize = 100
)

// ListQuery — параметры списка записей на уровне сервиса.
type ListQuery struct {
	Scope     string
	Query     string
	Favourite *bool
	Loaned    *bool
	SortBy    string
	SortOrder string
	Page      int
	Limit     int
}

// LoanRequest — тело POST /records/{key}/loan.
type LoanRequest struct {
	LoanedTo           string     `json:"loanedTo"`
	LoanedDate         *time.Time `json:"loanedDate,omitempty"`
	ExpectedReturnDate *time.Time `json:"expectedReturnDate,omitempty"`
}

// RecordService — Remote Record Authority.
type RecordService struct {
	tx         repository.Transactor
	records    repository.RecordRepository
	identities repository.IdentityRepository
	guard      *access.Guard
	logger     *slog.Logger
}

// NewRecordService создаёт сервис записей.
func NewRecordService(
	tx repository.Transactor,
	records repository.RecordRepository,
	identities repository.IdentityRepository,
	guard *access.Guard,
	logger *slog.Logger,
) *RecordService {
	return &RecordService{
		tx:         tx,
		records:    records,
		identities: identities,
		guard:      guard,
		logger:     logger.With(slog.String("component", "record_service")),
	}
}

// List возвращает страницу видимых вызывающему записей.
// Предфильтр видимости применяется в SQL до поиска и пагинации.
func (s *RecordService) List(ctx context.Context, caller string, q ListQuery) (*model.RecordPage, error) {
	if caller == "" {
		return nil, ErrUnauthorized
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		return nil, validationErrorf("limit должен быть > 0")
	}

	params := repository.ListParams{
		IdentityID: caller,
		Scope:      q.Scope,
		Favourite:  q.Favourite,
		Loaned:     q.Loaned,
		SortBy:     q.SortBy,
		SortOrder:  q.SortOrder,
		Limit:      q.Limit,
		Offset:     (q.Page - 1) * q.Limit,
	}
	if q.Query != "" {
		params.Query = &q.Query
	}

	items, total, err := s.records.List(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("список записей: %w", err)
	}

	return &model.RecordPage{
		Data:       items,
		Total:      total,
		Page:       q.Page,
		Limit:      q.Limit,
		TotalPages: (total + q.Limit - 1) / q.Limit,
	}, nil
}

// Get возвращает запись, если вызывающему разрешено чтение.
func (s *RecordService) Get(ctx context.Context, caller, key string) (*model.Record, error) {
	key, err := parseKey(key)
	if err != nil {
		return nil, err
	}

	rec, err := s.records.GetByKey(ctx, key)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) && caller == "" {
			return nil, ErrUnauthorized
		}
		return nil, mapRepoError(err)
	}

	if err := mapGuardError(s.guard.Authorize(caller, rec, model.OpView)); err != nil {
		return nil, err
	}
	return rec, nil
}

// Create создаёт запись: владелец — вызывающий, шаринга нет, права полные.
// Существующий ключ (чей угодно) — ErrConflict.
func (s *RecordService) Create(ctx context.Context, caller string, in model.RecordInput) (*model.Record, error) {
	if caller == "" {
		return nil, ErrUnauthorized
	}
	in, err := normalizeInput(in)
	if err != nil {
		return nil, err
	}

	rec := &model.Record{
		Key:         in.Key,
		Details:     in.Details,
		Favourite:   in.Favourite,
		Loan:        in.Loan,
		Owner:       caller,
		SharedWith:  []string{},
		Permissions: model.FullPermissions(),
	}
	if err := s.records.Create(ctx, rec); err != nil {
		return nil, mapRepoError(err)
	}

	recordMutations.WithLabelValues("create").Inc()
	s.logger.Info("Запись создана",
		slog.String("key", rec.Key),
		slog.String("owner", caller),
	)
	return rec, nil
}

// Update перезаписывает поля клиента (last-writer-wins, без проверки версии).
// Изменение описательных полей или избранного требует edit,
// изменение статуса выдачи — loan.
func (s *RecordService) Update(ctx context.Context, caller, key string, in model.RecordInput) (*model.Record, error) {
	key, err := parseKey(key)
	if err != nil {
		return nil, err
	}
	if in.Key != "" && isbn.Normalize(in.Key) != key {
		return nil, validationErrorf("ключ в теле (%s) не совпадает с ключом в пути (%s)", in.Key, key)
	}
	in.Key = key
	in, err = normalizeInput(in)
	if err != nil {
		return nil, err
	}

	return s.mutate(ctx, caller, key, "update", func(rec *model.Record) ([]model.Operation, error) {
		ops := requiredOps(rec, in)
		rec.Details = in.Details
		rec.Favourite = in.Favourite
		rec.Loan = in.Loan
		return ops, nil
	})
}

// Lend отмечает выдачу книги. Требует loan.
func (s *RecordService) Lend(ctx context.Context, caller, key string, req LoanRequest) (*model.Record, error) {
	key, err := parseKey(key)
	if err != nil {
		return nil, err
	}
	to := strings.TrimSpace(req.LoanedTo)
	if to == "" {
		return nil, validationErrorf("loanedTo: значение не задано")
	}

	return s.mutate(ctx, caller, key, "loan", func(rec *model.Record) ([]model.Operation, error) {
		loanedDate := req.LoanedDate
		if loanedDate == nil {
			now := time.Now().UTC()
			loanedDate = &now
		}
		rec.Loan = model.LoanStatus{
			IsLoaned:           true,
			LoanedTo:           to,
			LoanedDate:         loanedDate,
			ExpectedReturnDate: req.ExpectedReturnDate,
		}
		return []model.Operation{model.OpLoan}, nil
	})
}

// Return отмечает возврат книги. Требует loan.
func (s *RecordService) Return(ctx context.Context, caller, key string) (*model.Record, error) {
	key, err := parseKey(key)
	if err != nil {
		return nil, err
	}

	return s.mutate(ctx, caller, key, "return", func(rec *model.Record) ([]model.Operation, error) {
		rec.Loan = model.LoanStatus{}
		return []model.Operation{model.OpLoan}, nil
	})
}

// Delete удаляет запись. Только владелец.
func (s *RecordService) Delete(ctx context.Context, caller, key string) error {
	key, err := parseKey(key)
	if err != nil {
		return err
	}

	err = s.tx.InTx(ctx, func(repos repository.Repos) error {
		rec, err := s.lockForCaller(ctx, repos, caller, key)
		if err != nil {
			return err
		}
		if err := mapGuardError(s.guard.Authorize(caller, rec, model.OpRemove)); err != nil {
			return err
		}
		return mapRepoError(repos.Records.Delete(ctx, key))
	})
	if err != nil {
		return err
	}

	recordMutations.WithLabelValues("delete").Inc()
	s.logger.Info("Запись удалена", slog.String("key", key), slog.String("by", caller))
	return nil
}

// Share добавляет identity в SharedWith. Только владелец.
// Identity задаются id или email; владелец и повторы отбрасываются,
// поэтому повторный вызов с тем же набором ничего не меняет.
// Permissions, если заданы, заменяют набор прав записи; первый шаринг
// без явных прав сужает набор до ReadOnlyPermissions.
func (s *RecordService) Share(ctx context.Context, caller, key string, req model.ShareRequest) (*model.Record, error) {
	key, err := parseKey(key)
	if err != nil {
		return nil, err
	}
	if len(req.Identities) == 0 {
		return nil, validationErrorf("identities: список пуст")
	}
	if len(req.Identities) > maxShareSize {
		return nil, validationErrorf("identities: не более %d значений", maxShareSize)
	}

	rec, err := s.mutate(ctx, caller, key, "share", func(rec *model.Record) ([]model.Operation, error) {
		// identity ищутся только после проверки прав
		if err := mapGuardError(s.guard.Authorize(caller, rec, model.OpShare)); err != nil {
			return nil, err
		}
		ids, err := s.resolveIdentities(ctx, req.Identities)
		if err != nil {
			return nil, err
		}

		wasShared := len(rec.SharedWith) > 0
		for _, id := range ids {
			if id != rec.Owner && !slices.Contains(rec.SharedWith, id) {
				rec.SharedWith = append(rec.SharedWith, id)
			}
		}
		switch {
		case req.Permissions != nil:
			rec.Permissions = *req.Permissions
		case !wasShared && len(rec.SharedWith) > 0:
			rec.Permissions = model.ReadOnlyPermissions()
		}
		return []model.Operation{model.OpShare}, nil
	})
	if err != nil {
		return nil, err
	}

	if req.Message != "" {
		s.logger.Info("Сообщение при шаринге",
			slog.String("key", key),
			slog.String("from", caller),
			slog.Any("to", req.Identities),
			slog.String("message", req.Message),
		)
	}
	return rec, nil
}

// Unshare удаляет одну identity из SharedWith. Только владелец.
// Отсутствующая в наборе identity — не ошибка.
func (s *RecordService) Unshare(ctx context.Context, caller, key, identityID string) (*model.Record, error) {
	key, err := parseKey(key)
	if err != nil {
		return nil, err
	}
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return nil, validationErrorf("identity: значение не задано")
	}

	return s.mutate(ctx, caller, key, "unshare", func(rec *model.Record) ([]model.Operation, error) {
		rec.SharedWith = slices.DeleteFunc(rec.SharedWith, func(id string) bool { return id == identityID })
		return []model.Operation{model.OpShare}, nil
	})
}

// mutate выполняет изменение записи в транзакции:
// блокировка строки, изменение копии, проверка Guard, запись.
// apply возвращает набор операций, которые должен разрешить Guard.
func (s *RecordService) mutate(
	ctx context.Context,
	caller, key, label string,
	apply func(rec *model.Record) ([]model.Operation, error),
) (*model.Record, error) {
	if caller == "" {
		return nil, ErrUnauthorized
	}

	var result *model.Record
	err := s.tx.InTx(ctx, func(repos repository.Repos) error {
		current, err := s.lockForCaller(ctx, repos, caller, key)
		if err != nil {
			return err
		}

		next := current.Clone()
		ops, err := apply(next)
		if err != nil {
			return err
		}
		if err := mapGuardError(s.guard.AuthorizeAll(caller, current, ops...)); err != nil {
			return err
		}

		if err := repos.Records.Update(ctx, next); err != nil {
			return mapRepoError(err)
		}
		result = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	recordMutations.WithLabelValues(label).Inc()
	s.logger.Debug("Запись изменена",
		slog.String("key", key),
		slog.String("operation", label),
		slog.String("by", caller),
	)
	return result, nil
}

// lockForCaller читает запись с блокировкой; анонимный вызов отклоняется
// до обращения к БД, чтобы не раскрывать существование записи.
func (s *RecordService) lockForCaller(ctx context.Context, repos repository.Repos, caller, key string) (*model.Record, error) {
	if caller == "" {
		return nil, ErrUnauthorized
	}
	rec, err := repos.Records.GetByKeyForUpdate(ctx, key)
	if err != nil {
		return nil, mapRepoError(err)
	}
	return rec, nil
}

// resolveIdentities переводит ссылки (id или email) в id identity.
func (s *RecordService) resolveIdentities(ctx context.Context, refs []string) ([]string, error) {
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			return nil, validationErrorf("identities: пустое значение")
		}

		var (
			ident *model.Identity
			err   error
		)
		if strings.Contains(ref, "@") {
			ident, err = s.identities.GetByEmail(ctx, ref)
		} else {
			ident, err = s.identities.GetByID(ctx, ref)
		}
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, validationErrorf("identity %q не найдена", ref)
			}
			return nil, fmt.Errorf("поиск identity %q: %w", ref, err)
		}
		if !slices.Contains(ids, ident.ID) {
			ids = append(ids, ident.ID)
		}
	}
	return ids, nil
}

// requiredOps определяет операции, которые затрагивает замена полей записи.
func requiredOps(current *model.Record, in model.RecordInput) []model.Operation {
	var ops []model.Operation
	if !current.Details.Equal(in.Details) || current.Favourite != in.Favourite {
		ops = append(ops, model.OpEdit)
	}
	if !current.Loan.Equal(in.Loan) {
		ops = append(ops, model.OpLoan)
	}
	if len(ops) == 0 {
		ops = append(ops, model.OpEdit)
	}
	return ops
}

// parseKey нормализует и проверяет ключ записи.
func parseKey(raw string) (string, error) {
	key, err := isbn.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrValidation, err) //nolint:errorlint // намеренный двойной wrap
	}
	return key, nil
}

// normalizeInput проверяет и нормализует тело записи.
func normalizeInput(in model.RecordInput) (model.RecordInput, error) {
	key, err := parseKey(in.Key)
	if err != nil {
		return in, err
	}
	in.Key = key

	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return in, validationErrorf("title: значение не задано")
	}
	if len(in.Title) > maxTitleLen {
		return in, validationErrorf("title: длина превышает %d", maxTitleLen)
	}
	if len(in.Authors) > maxAuthors {
		return in, validationErrorf("authors: не более %d значений", maxAuthors)
	}
	authors := make([]string, 0, len(in.Authors))
	for _, a := range in.Authors {
		if a = strings.TrimSpace(a); a != "" {
			authors = append(authors, a)
		}
	}
	in.Authors = authors

	for name, v := range map[string]string{
		"description": in.Description,
		"notes":       in.Notes,
		"publisher":   in.Publisher,
		"coverUrl":    in.CoverURL,
	} {
		if len(v) > maxFieldLen {
			return in, validationErrorf("%s: длина превышает %d", name, maxFieldLen)
		}
	}
	if in.Year < 0 || in.Year > 9999 {
		return in, validationErrorf("year: значение %d вне диапазона 0-9999", in.Year)
	}
	if in.PageCount < 0 {
		return in, validationErrorf("pageCount: значение должно быть >= 0")
	}

	if in.Loan.IsLoaned {
		in.Loan.LoanedTo = strings.TrimSpace(in.Loan.LoanedTo)
		if in.Loan.LoanedTo == "" {
			return in, validationErrorf("loanStatus.loanedTo: значение не задано при isLoaned=true")
		}
	} else {
		in.Loan = model.LoanStatus{}
	}
	return in, nil
}
