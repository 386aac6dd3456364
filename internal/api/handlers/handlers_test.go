package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/sagesolar/magpie-sub000/internal/api/errors"
	"github.com/sagesolar/magpie-sub000/internal/api/middleware"
	"github.com/sagesolar/magpie-sub000/internal/domain/model"
	"github.com/sagesolar/magpie-sub000/internal/service"
)

// mockRecords — мок RecordAuthority с функциональными полями.
type mockRecords struct {
	listFn    func(ctx context.Context, caller string, q service.ListQuery) (*model.RecordPage, error)
	getFn     func(ctx context.Context, caller, key string) (*model.Record, error)
	createFn  func(ctx context.Context, caller string, in model.RecordInput) (*model.Record, error)
	updateFn  func(ctx context.Context, caller, key string, in model.RecordInput) (*model.Record, error)
	deleteFn  func(ctx context.Context, caller, key string) error
	shareFn   func(ctx context.Context, caller, key string, req model.ShareRequest) (*model.Record, error)
	unshareFn func(ctx context.Context, caller, key, identityID string) (*model.Record, error)
	lendFn    func(ctx context.Context, caller, key string, req service.LoanRequest) (*model.Record, error)
	returnFn  func(ctx context.Context, caller, key string) (*model.Record, error)
}

func (m *mockRecords) List(ctx context.Context, caller string, q service.ListQuery) (*model.RecordPage, error) {
	return m.listFn(ctx, caller, q)
}

func (m *mockRecords) Get(ctx context.Context, caller, key string) (*model.Record, error) {
	return m.getFn(ctx, caller, key)
}

func (m *mockRecords) Create(ctx context.Context, caller string, in model.RecordInput) (*model.Record, error) {
	return m.createFn(ctx, caller, in)
}

func (m *mockRecords) Update(ctx context.Context, caller, key string, in model.RecordInput) (*model.Record, error) {
	return m.updateFn(ctx, caller, key, in)
}

func (m *mockRecords) Delete(ctx context.Context, caller, key string) error {
	return m.deleteFn(ctx, caller, key)
}

func (m *mockRecords) Share(ctx context.Context, caller, key string, req model.ShareRequest) (*model.Record, error) {
	return m.shareFn(ctx, caller, key, req)
}

func (m *mockRecords) Unshare(ctx context.Context, caller, key, identityID string) (*model.Record, error) {
	return m.unshareFn(ctx, caller, key, identityID)
}

func (m *mockRecords) Lend(ctx context.Context, caller, key string, req service.LoanRequest) (*model.Record, error) {
	return m.lendFn(ctx, caller, key, req)
}

func (m *mockRecords) Return(ctx context.Context, caller, key string) (*model.Record, error) {
	return m.returnFn(ctx, caller, key)
}

// mockIdentities — мок IdentityManager.
type mockIdentities struct {
	loginFn   func(ctx context.Context, claims service.LoginClaims) (*model.Identity, bool, error)
	updateFn  func(ctx context.Context, id string, upd model.ProfileUpdate) (*model.Identity, error)
	deleteFn  func(ctx context.Context, id string) error
	deletedID string
}

func (m *mockIdentities) Login(ctx context.Context, claims service.LoginClaims) (*model.Identity, bool, error) {
	return m.loginFn(ctx, claims)
}

func (m *mockIdentities) UpdateProfile(ctx context.Context, id string, upd model.ProfileUpdate) (*model.Identity, error) {
	return m.updateFn(ctx, id, upd)
}

func (m *mockIdentities) DeleteAccount(ctx context.Context, id string) error {
	m.deletedID = id
	if m.deleteFn != nil {
		return m.deleteFn(ctx, id)
	}
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newRecordRouter собирает chi-маршруты записей так же, как сервер.
func newRecordRouter(h *RecordHandler) http.Handler {
	r := chi.NewRouter()
	r.Get("/api/v1/records", h.List)
	r.Post("/api/v1/records", h.Create)
	r.Get("/api/v1/records/{key}", h.Get)
	r.Put("/api/v1/records/{key}", h.Update)
	r.Delete("/api/v1/records/{key}", h.Delete)
	r.Post("/api/v1/records/{key}/share", h.Share)
	r.Delete("/api/v1/records/{key}/share/{identity}", h.Unshare)
	r.Post("/api/v1/records/{key}/loan", h.Lend)
	r.Post("/api/v1/records/{key}/return", h.Return)
	return r
}

func doRequest(t *testing.T, h http.Handler, method, target, body string, caller *model.Identity) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader = http.NoBody
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	req.Header.Set("Content-Type", "application/json")
	if caller != nil {
		req = req.WithContext(middleware.WithIdentity(req.Context(), caller))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apierrors.ErrorBody {
	t.Helper()
	var body apierrors.ErrorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("декодирование ошибки: %v", err)
	}
	return body
}

var alice = &model.Identity{ID: "alice", Email: "alice@example.org", Name: "Alice"}

func TestRecordHandler_Get(t *testing.T) {
	m := &mockRecords{
		getFn: func(_ context.Context, caller, key string) (*model.Record, error) {
			if caller != "alice" {
				t.Errorf("caller = %q, ожидался alice", caller)
			}
			return &model.Record{Key: key, Details: model.Details{Title: "Go"}, Owner: "alice"}, nil
		},
	}
	router := newRecordRouter(NewRecordHandler(m, 20, 100, testLogger()))

	rec := doRequest(t, router, http.MethodGet, "/api/v1/records/9780306406157", "", alice)
	if rec.Code != http.StatusOK {
		t.Fatalf("статус = %d, ожидался 200", rec.Code)
	}
	var got model.Record
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Key != "9780306406157" || got.Title != "Go" {
		t.Errorf("запись = %+v", got)
	}
}

// Отсутствующая и невидимая запись неразличимы по ответу.
func TestRecordHandler_NotFoundBodiesIdentical(t *testing.T) {
	m := &mockRecords{
		getFn: func(_ context.Context, _, key string) (*model.Record, error) {
			if key == "missing" {
				return nil, service.ErrNotFound
			}
			// невидимая запись: сервис переводит ErrNotVisible в ErrNotFound
			return nil, errors.Join(service.ErrNotFound)
		},
	}
	router := newRecordRouter(NewRecordHandler(m, 20, 100, testLogger()))

	missing := doRequest(t, router, http.MethodGet, "/api/v1/records/missing", "", alice)
	hidden := doRequest(t, router, http.MethodGet, "/api/v1/records/hidden", "", alice)

	if missing.Code != http.StatusNotFound || hidden.Code != http.StatusNotFound {
		t.Fatalf("статусы = %d, %d, ожидались 404", missing.Code, hidden.Code)
	}
	if !bytes.Equal(missing.Body.Bytes(), hidden.Body.Bytes()) {
		t.Errorf("тела 404 различаются:\n%s\n%s", missing.Body.String(), hidden.Body.String())
	}
}

func TestRecordHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"валидация", errors.Join(service.ErrValidation, errors.New("title")), http.StatusBadRequest, apierrors.CodeValidationError},
		{"без аутентификации", service.ErrUnauthorized, http.StatusUnauthorized, apierrors.CodeUnauthorized},
		{"нет прав", service.ErrForbidden, http.StatusForbidden, apierrors.CodeForbidden},
		{"не найдено", service.ErrNotFound, http.StatusNotFound, apierrors.CodeNotFound},
		{"конфликт", service.ErrConflict, http.StatusConflict, apierrors.CodeConflict},
		{"внутренняя", errors.New("db down"), http.StatusInternalServerError, apierrors.CodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockRecords{
				updateFn: func(context.Context, string, string, model.RecordInput) (*model.Record, error) {
					return nil, tt.err
				},
			}
			router := newRecordRouter(NewRecordHandler(m, 20, 100, testLogger()))

			rec := doRequest(t, router, http.MethodPut, "/api/v1/records/9780306406157", `{"title":"Go"}`, alice)
			if rec.Code != tt.wantStatus {
				t.Fatalf("статус = %d, ожидался %d", rec.Code, tt.wantStatus)
			}
			if body := decodeError(t, rec); body.Error.Code != tt.wantCode {
				t.Errorf("code = %q, ожидался %q", body.Error.Code, tt.wantCode)
			}
		})
	}
}

func TestRecordHandler_InternalErrorHidesDetails(t *testing.T) {
	m := &mockRecords{
		deleteFn: func(context.Context, string, string) error {
			return errors.New("pq: relation records does not exist")
		},
	}
	router := newRecordRouter(NewRecordHandler(m, 20, 100, testLogger()))

	rec := doRequest(t, router, http.MethodDelete, "/api/v1/records/9780306406157", "", alice)
	if strings.Contains(rec.Body.String(), "relation") {
		t.Errorf("ответ раскрывает детали ошибки: %s", rec.Body.String())
	}
}

func TestRecordHandler_Create(t *testing.T) {
	var gotCaller string
	var gotInput model.RecordInput
	m := &mockRecords{
		createFn: func(_ context.Context, caller string, in model.RecordInput) (*model.Record, error) {
			gotCaller, gotInput = caller, in
			return &model.Record{Key: in.Key, Details: in.Details, Owner: caller, SharedWith: []string{}}, nil
		},
	}
	router := newRecordRouter(NewRecordHandler(m, 20, 100, testLogger()))

	// Поля владения в теле игнорируются: их назначает сервер
	body := `{"isbn":"9780306406157","title":"Go","owner":"mallory","sharedWith":["eve"]}`
	rec := doRequest(t, router, http.MethodPost, "/api/v1/records", body, alice)

	if rec.Code != http.StatusCreated {
		t.Fatalf("статус = %d, ожидался 201", rec.Code)
	}
	if gotCaller != "alice" || gotInput.Key != "9780306406157" || gotInput.Title != "Go" {
		t.Errorf("caller = %q, input = %+v", gotCaller, gotInput)
	}
	var got model.Record
	_ = json.NewDecoder(rec.Body).Decode(&got)
	if got.Owner != "alice" {
		t.Errorf("owner = %q, ожидался alice", got.Owner)
	}
}

func TestRecordHandler_CreateInvalidJSON(t *testing.T) {
	router := newRecordRouter(NewRecordHandler(&mockRecords{}, 20, 100, testLogger()))

	for _, body := range []string{"", "{", `{"title":"a"}{"title":"b"}`} {
		rec := doRequest(t, router, http.MethodPost, "/api/v1/records", body, alice)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("тело %q: статус = %d, ожидался 400", body, rec.Code)
		}
	}
}

func TestRecordHandler_ListParams(t *testing.T) {
	var got service.ListQuery
	m := &mockRecords{
		listFn: func(_ context.Context, _ string, q service.ListQuery) (*model.RecordPage, error) {
			got = q
			return &model.RecordPage{Data: []*model.Record{}, Page: q.Page, Limit: q.Limit}, nil
		},
	}
	router := newRecordRouter(NewRecordHandler(m, 20, 100, testLogger()))

	t.Run("значения по умолчанию", func(t *testing.T) {
		rec := doRequest(t, router, http.MethodGet, "/api/v1/records", "", alice)
		if rec.Code != http.StatusOK {
			t.Fatalf("статус = %d", rec.Code)
		}
		if got.Page != 1 || got.Limit != 20 || got.Favourite != nil || got.Query != "" {
			t.Errorf("query = %+v", got)
		}
	})

	t.Run("все параметры", func(t *testing.T) {
		target := "/api/v1/records?page=3&limit=500&q=tolkien&scope=shared&favourite=true&loaned=false&sortBy=title&sortOrder=asc"
		rec := doRequest(t, router, http.MethodGet, target, "", alice)
		if rec.Code != http.StatusOK {
			t.Fatalf("статус = %d", rec.Code)
		}
		if got.Page != 3 || got.Limit != 100 {
			t.Errorf("page/limit = %d/%d, ожидалось 3/100", got.Page, got.Limit)
		}
		if got.Query != "tolkien" || got.Scope != "shared" || got.SortBy != "title" || got.SortOrder != "asc" {
			t.Errorf("query = %+v", got)
		}
		if got.Favourite == nil || !*got.Favourite || got.Loaned == nil || *got.Loaned {
			t.Errorf("favourite/loaned = %v/%v", got.Favourite, got.Loaned)
		}
	})

	t.Run("некорректный тип", func(t *testing.T) {
		rec := doRequest(t, router, http.MethodGet, "/api/v1/records?page=abc", "", alice)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("статус = %d, ожидался 400", rec.Code)
		}
	})
}

func TestRecordHandler_AnonymousCaller(t *testing.T) {
	var gotCaller = "unset"
	m := &mockRecords{
		listFn: func(_ context.Context, caller string, _ service.ListQuery) (*model.RecordPage, error) {
			gotCaller = caller
			return nil, service.ErrUnauthorized
		},
	}
	router := newRecordRouter(NewRecordHandler(m, 20, 100, testLogger()))

	rec := doRequest(t, router, http.MethodGet, "/api/v1/records", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("статус = %d, ожидался 401", rec.Code)
	}
	if gotCaller != "" {
		t.Errorf("caller = %q, ожидался пустой", gotCaller)
	}
}

func TestRecordHandler_ShareAndUnshare(t *testing.T) {
	var shareReq model.ShareRequest
	var unshareKey, unshareID string
	m := &mockRecords{
		shareFn: func(_ context.Context, _, key string, req model.ShareRequest) (*model.Record, error) {
			shareReq = req
			return &model.Record{Key: key, Owner: "alice", SharedWith: req.Identities}, nil
		},
		unshareFn: func(_ context.Context, _, key, id string) (*model.Record, error) {
			unshareKey, unshareID = key, id
			return &model.Record{Key: key, Owner: "alice", SharedWith: []string{}}, nil
		},
	}
	router := newRecordRouter(NewRecordHandler(m, 20, 100, testLogger()))

	body := `{"identities":["bob"],"permissions":{"canView":true,"canEdit":false},"message":"прочитай"}`
	rec := doRequest(t, router, http.MethodPost, "/api/v1/records/1111111111111/share", body, alice)
	if rec.Code != http.StatusOK {
		t.Fatalf("share: статус = %d", rec.Code)
	}
	if len(shareReq.Identities) != 1 || shareReq.Identities[0] != "bob" ||
		shareReq.Permissions == nil || !shareReq.Permissions.CanView || shareReq.Permissions.CanEdit {
		t.Errorf("share request = %+v", shareReq)
	}

	rec = doRequest(t, router, http.MethodDelete, "/api/v1/records/1111111111111/share/bob", "", alice)
	if rec.Code != http.StatusOK {
		t.Fatalf("unshare: статус = %d", rec.Code)
	}
	if unshareKey != "1111111111111" || unshareID != "bob" {
		t.Errorf("unshare key/id = %q/%q", unshareKey, unshareID)
	}
}

func TestRecordHandler_LoanAndReturn(t *testing.T) {
	var loanReq service.LoanRequest
	returned := false
	m := &mockRecords{
		lendFn: func(_ context.Context, _, key string, req service.LoanRequest) (*model.Record, error) {
			loanReq = req
			return &model.Record{Key: key, Loan: model.LoanStatus{IsLoaned: true, LoanedTo: req.LoanedTo}}, nil
		},
		returnFn: func(_ context.Context, _, key string) (*model.Record, error) {
			returned = true
			return &model.Record{Key: key}, nil
		},
		deleteFn: func(context.Context, string, string) error { return nil },
	}
	router := newRecordRouter(NewRecordHandler(m, 20, 100, testLogger()))

	rec := doRequest(t, router, http.MethodPost, "/api/v1/records/9780306406157/loan", `{"loanedTo":"Bob"}`, alice)
	if rec.Code != http.StatusOK || loanReq.LoanedTo != "Bob" {
		t.Errorf("loan: статус = %d, req = %+v", rec.Code, loanReq)
	}

	rec = doRequest(t, router, http.MethodPost, "/api/v1/records/9780306406157/return", "", alice)
	if rec.Code != http.StatusOK || !returned {
		t.Errorf("return: статус = %d, returned = %v", rec.Code, returned)
	}

	rec = doRequest(t, router, http.MethodDelete, "/api/v1/records/9780306406157", "", alice)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete: статус = %d, ожидался 204", rec.Code)
	}
}

// --- AuthHandler ---

func newAuthRouter(h *AuthHandler) http.Handler {
	r := chi.NewRouter()
	r.Post("/api/v1/auth/login", h.Login)
	r.Get("/api/v1/auth/me", h.GetProfile)
	r.Put("/api/v1/auth/me", h.UpdateProfile)
	r.Delete("/api/v1/auth/me", h.DeleteAccount)
	return r
}

func TestAuthHandler_Login(t *testing.T) {
	created := true
	var gotClaims service.LoginClaims
	m := &mockIdentities{
		loginFn: func(_ context.Context, claims service.LoginClaims) (*model.Identity, bool, error) {
			gotClaims = claims
			return &model.Identity{ID: claims.Subject, Email: claims.Email, Name: claims.Name}, created, nil
		},
	}
	router := newAuthRouter(NewAuthHandler(m, testLogger()))

	login := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", http.NoBody)
		req = req.WithContext(middleware.WithVerifiedClaims(req.Context(), &middleware.VerifiedClaims{
			Subject: "new-user", Email: "n@example.org", Name: "New",
		}))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	if rec := login(); rec.Code != http.StatusCreated {
		t.Errorf("первый вход: статус = %d, ожидался 201", rec.Code)
	}
	if gotClaims.Subject != "new-user" || gotClaims.Email != "n@example.org" {
		t.Errorf("claims = %+v", gotClaims)
	}

	created = false
	if rec := login(); rec.Code != http.StatusOK {
		t.Errorf("повторный вход: статус = %d, ожидался 200", rec.Code)
	}
}

func TestAuthHandler_LoginWithoutToken(t *testing.T) {
	m := &mockIdentities{
		loginFn: func(context.Context, service.LoginClaims) (*model.Identity, bool, error) {
			t.Fatal("Login не должен вызываться без проверенного токена")
			return nil, false, nil
		},
	}
	router := newAuthRouter(NewAuthHandler(m, testLogger()))

	rec := doRequest(t, router, http.MethodPost, "/api/v1/auth/login", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("статус = %d, ожидался 401", rec.Code)
	}
}

func TestAuthHandler_LoginEmailConflict(t *testing.T) {
	m := &mockIdentities{
		loginFn: func(context.Context, service.LoginClaims) (*model.Identity, bool, error) {
			return nil, false, service.ErrConflict
		},
	}
	router := newAuthRouter(NewAuthHandler(m, testLogger()))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", http.NoBody)
	req = req.WithContext(middleware.WithVerifiedClaims(req.Context(), &middleware.VerifiedClaims{Subject: "x"}))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("статус = %d, ожидался 409", rec.Code)
	}
}

func TestAuthHandler_Profile(t *testing.T) {
	var gotUpd model.ProfileUpdate
	m := &mockIdentities{
		updateFn: func(_ context.Context, id string, upd model.ProfileUpdate) (*model.Identity, error) {
			gotUpd = upd
			return &model.Identity{ID: id, Name: *upd.Name}, nil
		},
	}
	router := newAuthRouter(NewAuthHandler(m, testLogger()))

	if rec := doRequest(t, router, http.MethodGet, "/api/v1/auth/me", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("GET /auth/me без identity: статус = %d, ожидался 401", rec.Code)
	}

	rec := doRequest(t, router, http.MethodGet, "/api/v1/auth/me", "", alice)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /auth/me: статус = %d", rec.Code)
	}

	rec = doRequest(t, router, http.MethodPut, "/api/v1/auth/me", `{"name":"Alice B","preferences":{"theme":"dark"}}`, alice)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT /auth/me: статус = %d", rec.Code)
	}
	if gotUpd.Name == nil || *gotUpd.Name != "Alice B" || !strings.Contains(string(gotUpd.Preferences), "dark") {
		t.Errorf("update = %+v", gotUpd)
	}

	rec = doRequest(t, router, http.MethodDelete, "/api/v1/auth/me", "", alice)
	if rec.Code != http.StatusNoContent || m.deletedID != "alice" {
		t.Errorf("DELETE /auth/me: статус = %d, deleted = %q", rec.Code, m.deletedID)
	}
}

// --- HealthHandler ---

type stubChecker struct{ status string }

func (s stubChecker) CheckReady() (string, string) { return s.status, "" }

func TestHealthReady(t *testing.T) {
	tests := []struct {
		name       string
		pg, oidc   ReadinessChecker
		wantStatus int
	}{
		{"всё доступно", stubChecker{"ok"}, stubChecker{"ok"}, http.StatusOK},
		{"degraded", stubChecker{"ok"}, stubChecker{"degraded"}, http.StatusOK},
		{"БД недоступна", stubChecker{"fail"}, stubChecker{"ok"}, http.StatusServiceUnavailable},
		{"checker не задан", nil, stubChecker{"ok"}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.pg, tt.oidc)
			rec := httptest.NewRecorder()
			h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
			if rec.Code != tt.wantStatus {
				t.Errorf("статус = %d, ожидался %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestOverallStatus(t *testing.T) {
	if got := overallStatus("ok", "ok"); got != "ok" {
		t.Errorf("ok+ok = %q", got)
	}
	if got := overallStatus("ok", "degraded"); got != "degraded" {
		t.Errorf("ok+degraded = %q", got)
	}
	if got := overallStatus("degraded", "fail"); got != "fail" {
		t.Errorf("degraded+fail = %q", got)
	}
}
