// Пакет catalog — локальные изменения каталога на устройстве.
// Каждая операция в одной транзакции обновляет Record Store и добавляет
// ровно одну запись в журнал изменений. Сеть не используется.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sagesolar/magpie-sub000/internal/client/localstore"
	"github.com/sagesolar/magpie-sub000/internal/domain/isbn"
	"github.com/sagesolar/magpie-sub000/internal/domain/model"
)

var (
	// ErrValidation — некорректный ввод. Изменение в журнал не попадает.
	ErrValidation = errors.New("ошибка валидации")
	// ErrNotFound — записи нет в локальном хранилище.
	ErrNotFound = errors.New("запись не найдена")
	// ErrExists — запись с таким ключом уже есть в локальном хранилище.
	ErrExists = errors.New("запись уже существует")
)

// Catalog — API локальных изменений.
type Catalog struct {
	store  *localstore.Store
	logger *slog.Logger
	now    func() time.Time
}

// New создаёт Catalog поверх локального хранилища.
func New(store *localstore.Store, logger *slog.Logger) *Catalog {
	return &Catalog{
		store:  store,
		logger: logger.With(slog.String("component", "catalog")),
		now:    time.Now,
	}
}

// Create добавляет новую запись и изменение create.
// Владелец остаётся пустым до подтверждения сервером.
func (c *Catalog) Create(ctx context.Context, in model.RecordInput) (*model.Record, error) {
	key, err := validateInput(&in)
	if err != nil {
		return nil, err
	}
	in.Key = key

	rec := &model.Record{
		Key:         key,
		Details:     in.Details,
		Favourite:   in.Favourite,
		Loan:        in.Loan,
		SharedWith:  []string{},
		Permissions: model.FullPermissions(),
	}

	err = c.store.WithTx(ctx, func(q *localstore.Queries) error {
		if _, err := q.GetRecord(ctx, key); err == nil {
			return fmt.Errorf("%w: %s", ErrExists, key)
		} else if !errors.Is(err, localstore.ErrNotFound) {
			return err
		}
		if err := q.UpsertRecord(ctx, rec); err != nil {
			return err
		}
		_, err := q.AppendChange(ctx, model.ActionCreate, key, in)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Запись создана локально", slog.String("isbn", key))
	return rec, nil
}

// Edit заменяет описательные поля записи.
func (c *Catalog) Edit(ctx context.Context, key string, details model.Details) (*model.Record, error) {
	details.Title = strings.TrimSpace(details.Title)
	if details.Title == "" {
		return nil, fmt.Errorf("%w: название обязательно", ErrValidation)
	}
	return c.mutate(ctx, key, func(rec *model.Record) error {
		rec.Details = details
		return nil
	})
}

// ToggleFavourite переключает флаг избранного.
func (c *Catalog) ToggleFavourite(ctx context.Context, key string) (*model.Record, error) {
	return c.mutate(ctx, key, func(rec *model.Record) error {
		rec.Favourite = !rec.Favourite
		return nil
	})
}

// Lend отмечает книгу выданной. expectedReturn может быть nil.
func (c *Catalog) Lend(ctx context.Context, key, loanedTo string, expectedReturn *time.Time) (*model.Record, error) {
	loanedTo = strings.TrimSpace(loanedTo)
	if loanedTo == "" {
		return nil, fmt.Errorf("%w: не указано, кому выдана книга", ErrValidation)
	}
	now := c.now().UTC()
	if expectedReturn != nil && expectedReturn.Before(now) {
		return nil, fmt.Errorf("%w: дата возврата в прошлом", ErrValidation)
	}
	return c.mutate(ctx, key, func(rec *model.Record) error {
		if rec.Loan.IsLoaned {
			return fmt.Errorf("%w: книга уже выдана (%s)", ErrValidation, rec.Loan.LoanedTo)
		}
		rec.Loan = model.LoanStatus{
			IsLoaned:           true,
			LoanedTo:           loanedTo,
			LoanedDate:         &now,
			ExpectedReturnDate: expectedReturn,
		}
		return nil
	})
}

// Return снимает отметку о выдаче.
func (c *Catalog) Return(ctx context.Context, key string) (*model.Record, error) {
	return c.mutate(ctx, key, func(rec *model.Record) error {
		if !rec.Loan.IsLoaned {
			return fmt.Errorf("%w: книга не выдана", ErrValidation)
		}
		rec.Loan = model.LoanStatus{}
		return nil
	})
}

// Remove удаляет запись локально и добавляет изменение delete.
func (c *Catalog) Remove(ctx context.Context, rawKey string) error {
	key, err := parseKey(rawKey)
	if err != nil {
		return err
	}

	err = c.store.WithTx(ctx, func(q *localstore.Queries) error {
		if err := q.DeleteRecord(ctx, key); err != nil {
			return notFound(key, err)
		}
		_, err := q.AppendChange(ctx, model.ActionDelete, key, nil)
		return err
	})
	if err != nil {
		return err
	}

	c.logger.Debug("Запись удалена локально", slog.String("isbn", key))
	return nil
}

// Get возвращает запись из локального хранилища.
func (c *Catalog) Get(ctx context.Context, rawKey string) (*model.Record, error) {
	key, err := parseKey(rawKey)
	if err != nil {
		return nil, err
	}
	rec, err := c.store.GetRecord(ctx, key)
	if err != nil {
		return nil, notFound(key, err)
	}
	return rec, nil
}

// List возвращает записи локального хранилища.
func (c *Catalog) List(ctx context.Context, f localstore.ListFilter) ([]*model.Record, error) {
	return c.store.ListRecords(ctx, f)
}

// Pending возвращает изменения, ещё не подтверждённые сервером.
func (c *Catalog) Pending(ctx context.Context) ([]*model.Change, error) {
	return c.store.ListUnsynced(ctx)
}

// mutate читает запись, применяет fn и в той же транзакции сохраняет
// результат и изменение update с полным набором клиентских полей.
func (c *Catalog) mutate(ctx context.Context, rawKey string, fn func(rec *model.Record) error) (*model.Record, error) {
	key, err := parseKey(rawKey)
	if err != nil {
		return nil, err
	}

	var rec *model.Record
	err = c.store.WithTx(ctx, func(q *localstore.Queries) error {
		r, err := q.GetRecord(ctx, key)
		if err != nil {
			return notFound(key, err)
		}
		rec = r
		if err := fn(rec); err != nil {
			return err
		}
		if err := q.UpsertRecord(ctx, rec); err != nil {
			return err
		}
		_, err = q.AppendChange(ctx, model.ActionUpdate, key, model.InputFromRecord(rec))
		return err
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Запись изменена локально", slog.String("isbn", key))
	return rec, nil
}

func validateInput(in *model.RecordInput) (string, error) {
	key, err := parseKey(in.Key)
	if err != nil {
		return "", err
	}
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return "", fmt.Errorf("%w: название обязательно", ErrValidation)
	}
	if in.Loan.IsLoaned && strings.TrimSpace(in.Loan.LoanedTo) == "" {
		return "", fmt.Errorf("%w: не указано, кому выдана книга", ErrValidation)
	}
	return key, nil
}

func parseKey(raw string) (string, error) {
	key, err := isbn.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return key, nil
}

func notFound(key string, err error) error {
	if errors.Is(err, localstore.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return err
}
