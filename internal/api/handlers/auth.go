// auth.go — обработчики /api/v1/auth: вход и профиль вызывающей identity.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	apierrors "github.com/sagesolar/magpie-sub000/internal/api/errors"
	"github.com/sagesolar/magpie-sub000/internal/api/middleware"
	"github.com/sagesolar/magpie-sub000/internal/domain/model"
	"github.com/sagesolar/magpie-sub000/internal/service"
)

// AuthHandler — обработчик endpoints входа и профиля.
type AuthHandler struct {
	identities IdentityManager
	logger     *slog.Logger
}

// NewAuthHandler создаёт обработчик входа и профиля.
func NewAuthHandler(identities IdentityManager, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		identities: identities,
		logger:     logger.With(slog.String("component", "auth_handler")),
	}
}

// Login — POST /api/v1/auth/login.
// Единственный путь создания identity: из проверенных утверждений токена.
// 201 — identity создана, 200 — вход существующей.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	claims := middleware.VerifiedClaimsFromContext(r.Context())
	if claims == nil {
		apierrors.Unauthorized(w, "Требуется валидный bearer-токен")
		return
	}

	ident, created, err := h.identities.Login(r.Context(), service.LoginClaims{
		Subject: claims.Subject,
		Email:   claims.Email,
		Name:    claims.Name,
	})
	if err != nil {
		if errors.Is(err, service.ErrConflict) {
			apierrors.Conflict(w, "Email уже используется другой identity")
			return
		}
		writeServiceError(w, h.logger, err, "login")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, ident)
}

// GetProfile — GET /api/v1/auth/me.
func (h *AuthHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	ident := middleware.IdentityFromContext(r.Context())
	if ident == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return
	}
	writeJSON(w, http.StatusOK, ident)
}

// UpdateProfile — PUT /api/v1/auth/me.
func (h *AuthHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	ident := middleware.IdentityFromContext(r.Context())
	if ident == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return
	}

	var upd model.ProfileUpdate
	if err := decodeJSON(w, r, &upd); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	updated, err := h.identities.UpdateProfile(r.Context(), ident.ID, upd)
	if err != nil {
		writeServiceError(w, h.logger, err, "update_profile")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteAccount — DELETE /api/v1/auth/me.
// Удаляет записи identity и её участие в чужих записях.
func (h *AuthHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	ident := middleware.IdentityFromContext(r.Context())
	if ident == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return
	}

	if err := h.identities.DeleteAccount(r.Context(), ident.ID); err != nil {
		writeServiceError(w, h.logger, err, "delete_account")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
