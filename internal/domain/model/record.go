// Пакет model — доменные модели magpie: запись каталога, identity,
// запись журнала изменений устройства.
package model

import (
	"slices"
	"time"
)

// Permissions — закрытый набор прав, выдаваемых всем identity из SharedWith.
// Владелец обладает всеми правами независимо от сохранённого набора.
type Permissions struct {
	CanView   bool `json:"canView"`
	CanEdit   bool `json:"canEdit"`
	CanLoan   bool `json:"canLoan"`
	CanShare  bool `json:"canShare"`
	CanRemove bool `json:"canRemove"`
}

// FullPermissions возвращает полный набор прав (права владельца).
func FullPermissions() Permissions {
	return Permissions{CanView: true, CanEdit: true, CanLoan: true, CanShare: true, CanRemove: true}
}

// ReadOnlyPermissions — набор по умолчанию при первом шаринге без явных прав.
func ReadOnlyPermissions() Permissions {
	return Permissions{CanView: true}
}

// Allows сообщает, разрешена ли операция сохранённым набором прав.
func (p Permissions) Allows(op Operation) bool {
	switch op {
	case OpView:
		return p.CanView
	case OpEdit:
		return p.CanEdit
	case OpLoan:
		return p.CanLoan
	case OpShare:
		return p.CanShare
	case OpRemove:
		return p.CanRemove
	default:
		return false
	}
}

// Operation — операция над записью каталога, проверяемая Ownership Guard.
type Operation string

const (
	// OpView — чтение записи
	OpView Operation = "view"
	// OpEdit — изменение описательных полей и флага избранного
	OpEdit Operation = "edit"
	// OpLoan — изменение статуса выдачи
	OpLoan Operation = "loan"
	// OpShare — изменение множества SharedWith
	OpShare Operation = "share"
	// OpRemove — удаление записи
	OpRemove Operation = "remove"
)

// AllOperations — все операции в порядке возрастания риска.
var AllOperations = []Operation{OpView, OpEdit, OpLoan, OpShare, OpRemove}

// LoanStatus — статус выдачи книги.
type LoanStatus struct {
	IsLoaned           bool       `json:"isLoaned"`
	LoanedTo           string     `json:"loanedTo,omitempty"`
	LoanedDate         *time.Time `json:"loanedDate,omitempty"`
	ExpectedReturnDate *time.Time `json:"expectedReturnDate,omitempty"`
}

// Equal сравнивает статусы выдачи с точностью до секунды.
func (l LoanStatus) Equal(o LoanStatus) bool {
	return l.IsLoaned == o.IsLoaned &&
		l.LoanedTo == o.LoanedTo &&
		timePtrEqual(l.LoanedDate, o.LoanedDate) &&
		timePtrEqual(l.ExpectedReturnDate, o.ExpectedReturnDate)
}

// Details — описательные поля записи (то, что задаёт пользователь).
type Details struct {
	Title       string   `json:"title"`
	Authors     []string `json:"authors,omitempty"`
	Publisher   string   `json:"publisher,omitempty"`
	Year        int      `json:"year,omitempty"`
	Description string   `json:"description,omitempty"`
	Language    string   `json:"language,omitempty"`
	PageCount   int      `json:"pageCount,omitempty"`
	CoverURL    string   `json:"coverUrl,omitempty"`
	Notes       string   `json:"notes,omitempty"`
}

// Equal сравнивает описательные поля.
func (d Details) Equal(o Details) bool {
	return d.Title == o.Title &&
		slices.Equal(d.Authors, o.Authors) &&
		d.Publisher == o.Publisher &&
		d.Year == o.Year &&
		d.Description == o.Description &&
		d.Language == o.Language &&
		d.PageCount == o.PageCount &&
		d.CoverURL == o.CoverURL &&
		d.Notes == o.Notes
}

// Record — запись каталога (книга) с метаданными владения и шаринга.
// Инварианты: ровно один владелец; владелец не входит в SharedWith.
type Record struct {
	// Key — нормализованный ISBN (10 или 13 символов)
	Key string `json:"isbn"`
	Details
	// Favourite — флаг избранного
	Favourite bool `json:"favourite"`
	// Loan — статус выдачи
	Loan LoanStatus `json:"loanStatus"`
	// Owner — identity владельца
	Owner string `json:"owner"`
	// SharedWith — identity, которым открыт доступ
	SharedWith []string `json:"sharedWith"`
	// Permissions — права, применяемые ко всем identity из SharedWith
	Permissions Permissions `json:"permissions"`
	// CreatedAt — время создания записи на сервере
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt — время последней записи на сервере
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsOwner сообщает, является ли identity владельцем записи.
func (r *Record) IsOwner(identityID string) bool {
	return identityID != "" && r.Owner == identityID
}

// IsSharedWith сообщает, входит ли identity в SharedWith.
func (r *Record) IsSharedWith(identityID string) bool {
	return identityID != "" && slices.Contains(r.SharedWith, identityID)
}

// Clone возвращает глубокую копию записи.
func (r *Record) Clone() *Record {
	c := *r
	c.Authors = slices.Clone(r.Authors)
	c.SharedWith = slices.Clone(r.SharedWith)
	if r.Loan.LoanedDate != nil {
		t := *r.Loan.LoanedDate
		c.Loan.LoanedDate = &t
	}
	if r.Loan.ExpectedReturnDate != nil {
		t := *r.Loan.ExpectedReturnDate
		c.Loan.ExpectedReturnDate = &t
	}
	return &c
}

// RecordInput — тело POST /records и PUT /records/{key}.
// Владение и шаринг клиент не задаёт — их назначает сервер.
type RecordInput struct {
	Key string `json:"isbn"`
	Details
	Favourite bool       `json:"favourite"`
	Loan      LoanStatus `json:"loanStatus"`
}

// InputFromRecord формирует RecordInput из записи (поля, задаваемые клиентом).
func InputFromRecord(r *Record) RecordInput {
	c := r.Clone()
	return RecordInput{
		Key:       c.Key,
		Details:   c.Details,
		Favourite: c.Favourite,
		Loan:      c.Loan,
	}
}

// ShareRequest — тело POST /records/{key}/share.
type ShareRequest struct {
	Identities  []string     `json:"identities"`
	Permissions *Permissions `json:"permissions,omitempty"`
	Message     string       `json:"message,omitempty"`
}

// RecordPage — страница результата GET /records.
type RecordPage struct {
	Data       []*Record `json:"data"`
	Total      int       `json:"total"`
	Page       int       `json:"page"`
	Limit      int       `json:"limit"`
	TotalPages int       `json:"totalPages"`
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Truncate(time.Second).Equal(b.Truncate(time.Second))
}
