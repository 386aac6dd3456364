// Пакет syncer — Sync Reconciler: отправляет журнал изменений устройства
// на сервер и обновляет локальное хранилище каноническими версиями записей.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/sagesolar/magpie-sub000/internal/client/localstore"
	"github.com/sagesolar/magpie-sub000/internal/client/remote"
	"github.com/sagesolar/magpie-sub000/internal/domain/model"
)

// Remote — операции удалённого хранилища, нужные для синхронизации.
type Remote interface {
	CreateRecord(ctx context.Context, in model.RecordInput) (*model.Record, error)
	UpdateRecord(ctx context.Context, key string, in model.RecordInput) (*model.Record, error)
	DeleteRecord(ctx context.Context, key string) error
	ListAllRecords(ctx context.Context, pageSize int) ([]*model.Record, error)
}

// FailureKind — класс отказа сервера применить изменение.
type FailureKind string

const (
	FailureValidation    FailureKind = "validation"
	FailureAuthorization FailureKind = "authorization"
	FailureNotFound      FailureKind = "not-found"
	FailureConflict      FailureKind = "conflict"
	FailureServer        FailureKind = "server"
	// FailureLocal — изменение не удалось подготовить к отправке
	FailureLocal FailureKind = "local"
)

// Failure — изменение, отклонённое сервером. Остаётся в журнале.
type Failure struct {
	Change *model.Change
	Kind   FailureKind
	Err    error
}

// Report — итог прохода синхронизации.
type Report struct {
	// Device — идентификатор устройства, выполнившего проход
	Device string
	// Applied — изменения, подтверждённые сервером
	Applied []*model.Change
	// Failed — изменения, отклонённые сервером
	Failed []Failure
	// Skipped — изменения, не отправленные из-за более раннего отказа по той же записи
	Skipped []*model.Change
	// Declined — изменения, не подтверждённые пользователем
	Declined []*model.Change
	// Pulled — число записей, полученных при refresh pull (-1, если pull не выполнялся)
	Pulled int
	// Purged — число удалённых из журнала подтверждённых изменений
	Purged int
}

// Remaining возвращает число изменений, оставшихся в журнале после прохода.
func (r *Report) Remaining() int {
	return len(r.Failed) + len(r.Skipped) + len(r.Declined)
}

// ErrInProgress — другой проход синхронизации уже выполняется.
var ErrInProgress = errors.New("синхронизация уже выполняется")

// Syncer — Sync Reconciler устройства.
type Syncer struct {
	store    *localstore.Store
	remote   Remote
	pageSize int
	logger   *slog.Logger
	now      func() time.Time
	mu       sync.Mutex
}

// New создаёт Syncer. pageSize — размер страницы при refresh pull.
func New(store *localstore.Store, rem Remote, pageSize int, logger *slog.Logger) *Syncer {
	return &Syncer{
		store:    store,
		remote:   rem,
		pageSize: pageSize,
		logger:   logger.With(slog.String("component", "syncer")),
		now:      time.Now,
	}
}

// Sync выполняет один проход синхронизации.
//
// Пустой журнал — refresh pull: все видимые записи сервера сохраняются локально,
// локальные записи, отсутствующие на сервере, не удаляются.
// Непустой журнал — изменения показываются reviewer, подтверждённые отправляются
// строго в порядке создания. Отказ по записи блокирует её последующие изменения,
// независимые записи обрабатываются дальше. Сетевая ошибка прерывает проход:
// уже подтверждённые изменения остаются отмеченными, журнал не очищается.
func (s *Syncer) Sync(ctx context.Context, reviewer Reviewer) (*Report, error) {
	if !s.mu.TryLock() {
		return nil, ErrInProgress
	}
	defer s.mu.Unlock()

	device, err := s.store.DeviceID(ctx)
	if err != nil {
		return nil, fmt.Errorf("идентификатор устройства: %w", err)
	}
	logger := s.logger.With(slog.String("device_id", device))

	pending, err := s.store.ListUnsynced(ctx)
	if err != nil {
		return nil, fmt.Errorf("чтение журнала: %w", err)
	}

	report := &Report{Device: device, Pulled: -1}
	if len(pending) == 0 {
		if err := s.pull(ctx, report, logger); err != nil {
			return report, err
		}
		return report, s.store.SetTime(ctx, localstore.MetaLastSyncAt, s.now())
	}

	approved, err := reviewer.Review(ctx, pending)
	if err != nil {
		return nil, fmt.Errorf("подтверждение изменений: %w", err)
	}
	approvedSet := make(map[string]bool, len(approved))
	for _, id := range approved {
		approvedSet[id] = true
	}

	blocked := make(map[string]bool)
	for i, ch := range pending {
		if blocked[ch.RecordKey] {
			report.Skipped = append(report.Skipped, ch)
			continue
		}
		if !approvedSet[ch.ID] {
			report.Declined = append(report.Declined, ch)
			blocked[ch.RecordKey] = true
			continue
		}

		rec, err := s.apply(ctx, ch)
		if err != nil {
			if errors.Is(err, remote.ErrNetwork) || ctx.Err() != nil {
				logger.Warn("Синхронизация прервана",
					slog.String("change_id", ch.ID),
					slog.String("error", err.Error()),
				)
				return report, fmt.Errorf("синхронизация прервана: %w", err)
			}
			failure := Failure{Change: ch, Kind: classify(err), Err: err}
			report.Failed = append(report.Failed, failure)
			blocked[ch.RecordKey] = true
			logger.Warn("Сервер отклонил изменение",
				slog.String("change_id", ch.ID),
				slog.String("isbn", ch.RecordKey),
				slog.String("action", string(ch.Action)),
				slog.String("kind", string(failure.Kind)),
				slog.String("error", err.Error()),
			)
			continue
		}

		if err := s.commit(ctx, ch, rec, hasLater(pending[i+1:], ch.RecordKey)); err != nil {
			return report, err
		}
		report.Applied = append(report.Applied, ch)
	}

	purged, err := s.store.PurgeSynced(ctx)
	if err != nil {
		return report, err
	}
	report.Purged = purged

	logger.Info("Синхронизация завершена",
		slog.Int("applied", len(report.Applied)),
		slog.Int("failed", len(report.Failed)),
		slog.Int("skipped", len(report.Skipped)),
		slog.Int("declined", len(report.Declined)),
	)
	return report, s.store.SetTime(ctx, localstore.MetaLastSyncAt, s.now())
}

// apply выполняет удалённую операцию изменения. Для delete возвращает nil-запись.
func (s *Syncer) apply(ctx context.Context, ch *model.Change) (*model.Record, error) {
	switch ch.Action {
	case model.ActionCreate, model.ActionUpdate:
		in, err := ch.Input()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errLocal, err)
		}
		in.Key = ch.RecordKey
		if ch.Action == model.ActionCreate {
			return s.remote.CreateRecord(ctx, in)
		}
		return s.remote.UpdateRecord(ctx, ch.RecordKey, in)
	case model.ActionDelete:
		// 404 не отличает удалённую запись от потерянного доступа: изменение остаётся в журнале
		return nil, s.remote.DeleteRecord(ctx, ch.RecordKey)
	default:
		return nil, fmt.Errorf("%w: неизвестное действие %q", errLocal, ch.Action)
	}
}

// commit отмечает изменение подтверждённым и сохраняет каноническую версию,
// если по записи нет более поздних неподтверждённых изменений.
func (s *Syncer) commit(ctx context.Context, ch *model.Change, rec *model.Record, later bool) error {
	return s.store.WithTx(ctx, func(q *localstore.Queries) error {
		if err := q.MarkSynced(ctx, ch.ID); err != nil {
			return err
		}
		if rec == nil || later {
			return nil
		}
		return q.UpsertRecord(ctx, rec)
	})
}

// pull загружает все видимые записи и только затем сохраняет их локально.
func (s *Syncer) pull(ctx context.Context, report *Report, logger *slog.Logger) error {
	records, err := s.remote.ListAllRecords(ctx, s.pageSize)
	if err != nil {
		return fmt.Errorf("refresh pull: %w", err)
	}

	err = s.store.WithTx(ctx, func(q *localstore.Queries) error {
		for _, rec := range records {
			if err := q.UpsertRecord(ctx, rec); err != nil {
				return err
			}
		}
		return q.SetTime(ctx, localstore.MetaLastPullAt, s.now())
	})
	if err != nil {
		return err
	}

	report.Pulled = len(records)
	logger.Info("Refresh pull выполнен", slog.Int("records", len(records)))
	return nil
}

var errLocal = errors.New("некорректное изменение в журнале")

func classify(err error) FailureKind {
	if errors.Is(err, errLocal) {
		return FailureLocal
	}
	switch status := remote.StatusOf(err); {
	case status == http.StatusBadRequest:
		return FailureValidation
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return FailureAuthorization
	case status == http.StatusNotFound:
		return FailureNotFound
	case status == http.StatusConflict:
		return FailureConflict
	default:
		return FailureServer
	}
}

func hasLater(rest []*model.Change, key string) bool {
	return slices.ContainsFunc(rest, func(ch *model.Change) bool { return ch.RecordKey == key })
}
