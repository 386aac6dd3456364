package model

import (
	"encoding/json"
	"time"
)

// Identity — пользователь каталога. Создаётся явно при первом входе
// (POST /auth/login), удаляется только по запросу на удаление аккаунта.
type Identity struct {
	// ID — subject (sub) из токена OIDC-провайдера
	ID string `json:"id"`
	// Email — адрес электронной почты
	Email string `json:"email"`
	// Name — отображаемое имя
	Name string `json:"name"`
	// Preferences — произвольные пользовательские настройки (JSON-объект)
	Preferences json.RawMessage `json:"preferences,omitempty"`
	// CreatedAt — время создания
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt — время последнего изменения профиля
	UpdatedAt time.Time `json:"updatedAt"`
	// LastLoginAt — время последнего аутентифицированного запроса
	LastLoginAt *time.Time `json:"lastLoginAt,omitempty"`
}

// ProfileUpdate — тело PUT /auth/me.
type ProfileUpdate struct {
	Name        *string         `json:"name,omitempty"`
	Preferences json.RawMessage `json:"preferences,omitempty"`
}
