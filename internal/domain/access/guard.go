// Пакет access — Ownership Guard: авторизация операций над записями каталога.
//
// Правила для операции op над записью R, запрошенной identity U:
//   - U анонимен: разрешено только чтение записей, признанных публичными
//     (по умолчанию таких нет), иначе ErrUnauthorized;
//   - U — владелец: разрешено всё;
//   - U входит в R.SharedWith и R.Permissions.CanView: разрешено, если
//     установлен флаг op; share и remove участнику не выдаются никогда (ErrForbidden);
//   - иначе запись невидима (ErrNotVisible), что неотличимо от отсутствия.
//
// Решения не кэшируются: Guard вызывается на каждом запросе.
package access

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sagesolar/magpie-sub000/internal/domain/model"
)

var (
	// ErrUnauthorized — анонимный вызов операции, требующей identity.
	ErrUnauthorized = errors.New("требуется аутентификация")
	// ErrForbidden — запись видима, но операция не разрешена.
	ErrForbidden = errors.New("недостаточно прав для операции")
	// ErrNotVisible — запись невидима для identity.
	ErrNotVisible = errors.New("запись не найдена")
)

// Решения Guard (значения лейбла decision).
const (
	DecisionAllow        = "allow"
	DecisionUnauthorized = "unauthorized"
	DecisionForbidden    = "forbidden"
	DecisionNotVisible   = "not_visible"
)

var guardDecisions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "magpie_guard_decisions_total",
		Help: "Количество решений Ownership Guard",
	},
	[]string{"operation", "decision"},
)

// PublicPolicy решает, доступна ли запись анонимному чтению.
type PublicPolicy func(rec *model.Record) bool

// NoPublicRecords — политика по умолчанию: публичных записей нет.
func NoPublicRecords(*model.Record) bool { return false }

// Guard — Ownership Guard. Не хранит состояния, кроме политики публичности.
type Guard struct {
	public PublicPolicy
}

// Option — опция Guard.
type Option func(*Guard)

// WithPublicPolicy задаёт политику анонимного чтения.
func WithPublicPolicy(p PublicPolicy) Option {
	return func(g *Guard) {
		if p != nil {
			g.public = p
		}
	}
}

// NewGuard создаёт Guard.
func NewGuard(opts ...Option) *Guard {
	g := &Guard{public: NoPublicRecords}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authorize проверяет операцию op над записью rec для identity.
// Пустой identityID означает анонимный контекст.
func (g *Guard) Authorize(identityID string, rec *model.Record, op model.Operation) error {
	err := g.decide(identityID, rec, op)
	guardDecisions.WithLabelValues(string(op), decisionLabel(err)).Inc()
	return err
}

// AuthorizeAll проверяет набор операций; возвращает первую ошибку.
func (g *Guard) AuthorizeAll(identityID string, rec *model.Record, ops ...model.Operation) error {
	for _, op := range ops {
		if err := g.Authorize(identityID, rec, op); err != nil {
			return err
		}
	}
	return nil
}

func (g *Guard) decide(identityID string, rec *model.Record, op model.Operation) error {
	if identityID == "" {
		if op == model.OpView && g.public(rec) {
			return nil
		}
		return ErrUnauthorized
	}

	if rec.IsOwner(identityID) {
		return nil
	}

	if !Visible(identityID, rec) {
		return ErrNotVisible
	}

	if Effective(identityID, rec).Allows(op) {
		return nil
	}
	return ErrForbidden
}

// Visible сообщает, видит ли identity запись: владелец или участник с CanView.
func Visible(identityID string, rec *model.Record) bool {
	if rec.IsOwner(identityID) {
		return true
	}
	return rec.IsSharedWith(identityID) && rec.Permissions.CanView
}

// Effective вычисляет эффективный набор прав identity на запись.
// Владелец — полный набор; видимый участник — сохранённый набор без share и remove;
// остальные — пустой набор.
func Effective(identityID string, rec *model.Record) model.Permissions {
	if rec.IsOwner(identityID) {
		return model.FullPermissions()
	}
	if !Visible(identityID, rec) {
		return model.Permissions{}
	}
	p := rec.Permissions
	p.CanShare = false
	p.CanRemove = false
	return p
}

func decisionLabel(err error) string {
	switch {
	case err == nil:
		return DecisionAllow
	case errors.Is(err, ErrUnauthorized):
		return DecisionUnauthorized
	case errors.Is(err, ErrForbidden):
		return DecisionForbidden
	default:
		return DecisionNotVisible
	}
}
