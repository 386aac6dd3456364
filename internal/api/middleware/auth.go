// auth.go — Identity Context Resolver.
// Превращает bearer-токен запроса в identity или анонимный контекст.
// Middleware никогда не отвечает ошибкой: отсутствующий, невалидный
// или неизвестный токен даёт анонимный контекст, а отказ выносит
// Ownership Guard в сервисном слое.
package middleware

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/sagesolar/magpie-sub000/internal/domain/model"
	"github.com/sagesolar/magpie-sub000/internal/service"
)

// contextKey — тип для ключей контекста (избегаем коллизий).
type contextKey string

const (
	// contextKeyRequestIdentity — результат разрешения identity в контексте запроса.
	contextKeyRequestIdentity contextKey = "request_identity"
)

// VerifiedClaims — утверждения токена, прошедшего проверку подписи,
// issuer, audience и срока действия.
type VerifiedClaims struct {
	// Subject — sub из JWT (id identity)
	Subject string
	// Email — email из JWT
	Email string
	// Name — name или preferred_username из JWT
	Name string
}

// oidcClaims — raw claims из JWT OIDC-провайдера для парсинга.
type oidcClaims struct {
	jwt.RegisteredClaims
	Email             string `json:"email"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
}

// CredentialValidator проверяет bearer-токен.
type CredentialValidator interface {
	Validate(ctx context.Context, token string) (*VerifiedClaims, error)
}

// IdentityLookup — поиск существующей identity и отметка входа.
// Реализуется service.IdentityService.
type IdentityLookup interface {
	Lookup(ctx context.Context, id string) (*model.Identity, error)
	TouchLastLogin(ctx context.Context, id string) error
}

// --- TokenValidator ---

// TokenValidator — проверка JWT через JWKS OIDC-провайдера.
type TokenValidator struct {
	jwks     keyfunc.Keyfunc
	issuer   string
	audience string
	leeway   time.Duration
}

// TokenValidatorOptions — параметры TokenValidator.
type TokenValidatorOptions struct {
	// JWKSURL — URL JWKS endpoint
	JWKSURL string
	// CACertPath — опциональный путь к CA-сертификату для TLS
	CACertPath string
	// Issuer — ожидаемый issuer (пусто — не проверяется)
	Issuer string
	// Audience — ожидаемый audience (пусто — не проверяется)
	Audience string
	// ClientTimeout — таймаут HTTP-клиента JWKS
	ClientTimeout time.Duration
	// RefreshInterval — интервал обновления ключей
	RefreshInterval time.Duration
	// Leeway — допустимое отклонение часов
	Leeway time.Duration
}

// NewTokenValidator создаёт валидатор с JWKS storage и фоновым обновлением ключей.
func NewTokenValidator(opts TokenValidatorOptions, logger *slog.Logger) (*TokenValidator, error) {
	httpClient := &http.Client{Timeout: opts.ClientTimeout}
	if opts.CACertPath != "" {
		var err error
		httpClient, err = httpClientWithCA(opts.CACertPath, opts.ClientTimeout)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата %s: %w", opts.CACertPath, err)
		}
		logger.Info("CA-сертификат для JWKS добавлен в пул доверия",
			slog.String("ca_cert", opts.CACertPath),
		)
	}

	// NoErrorReturnFirstHTTPReq — стартуем даже если провайдер ещё недоступен.
	storage, err := jwkset.NewStorageFromHTTP(opts.JWKSURL, jwkset.HTTPClientStorageOptions{
		Client:                    httpClient,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           opts.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", opts.JWKSURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}

	return NewTokenValidatorWithKeyfunc(k, opts.Issuer, opts.Audience, opts.Leeway), nil
}

// NewTokenValidatorWithKeyfunc создаёт валидатор с предоставленной keyfunc.
// Используется в тестах для подстановки JWKS.
func NewTokenValidatorWithKeyfunc(kf keyfunc.Keyfunc, issuer, audience string, leeway time.Duration) *TokenValidator {
	return &TokenValidator{
		jwks:     kf,
		issuer:   issuer,
		audience: audience,
		leeway:   leeway,
	}
}

// Validate проверяет подпись (RS256), срок действия, issuer и audience.
func (v *TokenValidator) Validate(ctx context.Context, tokenString string) (*VerifiedClaims, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}

	raw := &oidcClaims{}
	token, err := jwt.ParseWithClaims(tokenString, raw, v.jwks.KeyfuncCtx(ctx), parserOpts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("невалидный токен")
	}

	subject, err := raw.GetSubject()
	if err != nil || subject == "" {
		return nil, errors.New("отсутствует sub в токене")
	}

	name := raw.Name
	if name == "" {
		name = raw.PreferredUsername
	}
	return &VerifiedClaims{Subject: subject, Email: raw.Email, Name: name}, nil
}

// httpClientWithCA создаёт HTTP-клиент с кастомным CA-сертификатом.
func httpClientWithCA(caCertPath string, timeout time.Duration) (*http.Client, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, err
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	caCertPool.AppendCertsFromPEM(caCert)

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				RootCAs:    caCertPool,
				MinVersion: tls.VersionTLS12,
			},
		},
	}, nil
}

// --- IdentityResolver ---

// RequestIdentity — результат разрешения identity для запроса.
type RequestIdentity struct {
	// Identity — аутентифицированная identity (nil — анонимный контекст)
	Identity *model.Identity
	// claims — проверенные утверждения токена; доступны только через
	// VerifiedClaimsFromContext для POST /auth/login
	claims *VerifiedClaims
}

// IdentityResolver — middleware Identity Context Resolver.
type IdentityResolver struct {
	validator    CredentialValidator
	identities   IdentityLookup
	touchTimeout time.Duration
	logger       *slog.Logger
	wg           sync.WaitGroup
}

// NewIdentityResolver создаёт Identity Context Resolver.
func NewIdentityResolver(validator CredentialValidator, identities IdentityLookup, logger *slog.Logger) *IdentityResolver {
	return &IdentityResolver{
		validator:    validator,
		identities:   identities,
		touchTimeout: 5 * time.Second,
		logger:       logger.With(slog.String("component", "identity_resolver")),
	}
}

// Middleware возвращает HTTP middleware, помещающий RequestIdentity в контекст.
func (ir *IdentityResolver) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ri := ir.resolve(r)
			ctx := context.WithValue(r.Context(), contextKeyRequestIdentity, ri)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// resolve никогда не возвращает ошибку: любой сбой даёт анонимный контекст.
func (ir *IdentityResolver) resolve(r *http.Request) *RequestIdentity {
	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		return &RequestIdentity{}
	}

	claims, err := ir.validator.Validate(r.Context(), token)
	if err != nil {
		ir.logger.Debug("JWT валидация не пройдена, анонимный контекст",
			slog.String("error", err.Error()),
			slog.String("remote_addr", r.RemoteAddr),
		)
		return &RequestIdentity{}
	}

	ident, err := ir.identities.Lookup(r.Context(), claims.Subject)
	if err != nil {
		if !errors.Is(err, service.ErrNotFound) {
			ir.logger.Warn("Ошибка поиска identity, анонимный контекст",
				slog.String("subject", claims.Subject),
				slog.String("error", err.Error()),
			)
		}
		return &RequestIdentity{claims: claims}
	}

	ir.touchAsync(r.Context(), ident.ID)
	return &RequestIdentity{Identity: ident, claims: claims}
}

// touchAsync обновляет время входа в фоне; ошибка только логируется.
func (ir *IdentityResolver) touchAsync(parent context.Context, id string) {
	ir.wg.Add(1)
	go func() {
		defer ir.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), ir.touchTimeout)
		defer cancel()

		if err := ir.identities.TouchLastLogin(ctx, id); err != nil {
			ir.logger.Warn("Не удалось обновить last_login_at",
				slog.String("id", id),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Wait ожидает завершения фоновых обновлений времени входа.
func (ir *IdentityResolver) Wait() {
	ir.wg.Wait()
}

// bearerToken извлекает токен из заголовка "Authorization: Bearer <token>".
func bearerToken(header string) (string, bool) {
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// --- Context helpers ---

// IdentityFromContext возвращает аутентифицированную identity или nil.
func IdentityFromContext(ctx context.Context) *model.Identity {
	ri, _ := ctx.Value(contextKeyRequestIdentity).(*RequestIdentity)
	if ri == nil {
		return nil
	}
	return ri.Identity
}

// CallerID возвращает id вызывающей identity или "" для анонимного контекста.
func CallerID(ctx context.Context) string {
	if ident := IdentityFromContext(ctx); ident != nil {
		return ident.ID
	}
	return ""
}

// VerifiedClaimsFromContext возвращает проверенные утверждения токена.
// Используется только обработчиком входа, единственным путём создания identity.
func VerifiedClaimsFromContext(ctx context.Context) *VerifiedClaims {
	ri, _ := ctx.Value(contextKeyRequestIdentity).(*RequestIdentity)
	if ri == nil {
		return nil
	}
	return ri.claims
}

// WithIdentity помещает identity в контекст. Используется в тестах обработчиков.
func WithIdentity(ctx context.Context, ident *model.Identity) context.Context {
	ri := &RequestIdentity{Identity: ident}
	if ident != nil {
		ri.claims = &VerifiedClaims{Subject: ident.ID, Email: ident.Email, Name: ident.Name}
	}
	return context.WithValue(ctx, contextKeyRequestIdentity, ri)
}

// WithVerifiedClaims помещает только проверенные утверждения (identity ещё не создана).
func WithVerifiedClaims(ctx context.Context, claims *VerifiedClaims) context.Context {
	return context.WithValue(ctx, contextKeyRequestIdentity, &RequestIdentity{claims: claims})
}

// --- ReadinessChecker для OIDC ---

// JWKSReadinessChecker — проверка доступности OIDC-провайдера через JWKS.
type JWKSReadinessChecker struct {
	jwksURL string
	client  *http.Client
}

// NewJWKSReadinessChecker создаёт checker доступности JWKS.
func NewJWKSReadinessChecker(jwksURL, caCertPath string, timeout time.Duration) (*JWKSReadinessChecker, error) {
	client := &http.Client{Timeout: timeout}
	if caCertPath != "" {
		var err error
		client, err = httpClientWithCA(caCertPath, timeout)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA для readiness checker: %w", err)
		}
	}
	return &JWKSReadinessChecker{jwksURL: jwksURL, client: client}, nil
}

const statusFail = "fail"

// CheckReady проверяет доступность JWKS endpoint.
func (k *JWKSReadinessChecker) CheckReady() (status, message string) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, k.jwksURL, http.NoBody)
	if err != nil {
		return statusFail, "ошибка создания запроса: " + err.Error()
	}
	resp, err := k.client.Do(req) //nolint:gosec // URL из конфигурации
	if err != nil {
		return statusFail, fmt.Sprintf("JWKS недоступен: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusFail, fmt.Sprintf("JWKS вернул статус %d", resp.StatusCode)
	}

	var jwksResp struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwksResp); err != nil {
		return "degraded", fmt.Sprintf("JWKS: невалидный JSON: %v", err)
	}
	if len(jwksResp.Keys) == 0 {
		return "degraded", "JWKS: нет ключей"
	}

	return "ok", fmt.Sprintf("JWKS доступен, ключей: %d", len(jwksResp.Keys))
}
