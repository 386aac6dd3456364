package model

import (
	"encoding/json"
	"time"
)

// ChangeAction — действие записи журнала изменений.
type ChangeAction string

const (
	// ActionCreate — создание записи
	ActionCreate ChangeAction = "create"
	// ActionUpdate — изменение записи (полная перезапись полей клиента)
	ActionUpdate ChangeAction = "update"
	// ActionDelete — удаление записи
	ActionDelete ChangeAction = "delete"
)

// Valid проверяет, что действие входит в закрытый набор.
func (a ChangeAction) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	default:
		return false
	}
}

// Change — запись локального журнала изменений устройства.
// Неизменяема после создания, кроме перехода Synced false → true.
// JSON-форма совпадает с форматом очереди: {id, isbn, action, data, timestamp, synced}.
type Change struct {
	// Seq — порядковый номер в журнале устройства (порядок создания)
	Seq int64 `json:"-"`
	// ID — локально уникальный идентификатор (UUID v4)
	ID string `json:"id"`
	// RecordKey — ключ записи каталога
	RecordKey string `json:"isbn"`
	// Action — create, update или delete
	Action ChangeAction `json:"action"`
	// Payload — RecordInput для create/update, пусто для delete
	Payload json.RawMessage `json:"data,omitempty"`
	// Timestamp — время создания в миллисекундах Unix
	Timestamp int64 `json:"timestamp"`
	// Synced — подтверждена ли запись удалённым хранилищем
	Synced bool `json:"synced"`
}

// CreatedAt возвращает Timestamp как time.Time.
func (c *Change) CreatedAt() time.Time {
	return time.UnixMilli(c.Timestamp)
}

// Input декодирует Payload как RecordInput.
func (c *Change) Input() (RecordInput, error) {
	var in RecordInput
	if len(c.Payload) == 0 {
		return in, nil
	}
	err := json.Unmarshal(c.Payload, &in)
	return in, err
}
