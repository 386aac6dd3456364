// Пакет openapi — встроенный OpenAPI-документ magpie-server и
// middleware валидации запросов по нему (kin-openapi).
package openapi

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"

	apierrors "github.com/sagesolar/magpie-sub000/internal/api/errors"
)

//go:embed magpie.yaml
var document []byte

// Document возвращает исходный текст встроенного документа.
func Document() []byte {
	return document
}

// Load разбирает и валидирует встроенный документ.
func Load(ctx context.Context) (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(document)
	if err != nil {
		return nil, fmt.Errorf("разбор OpenAPI-документа: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("валидация OpenAPI-документа: %w", err)
	}
	return doc, nil
}

// Validator — проверка входящих запросов по OpenAPI-документу.
// Параметры пути, query и тело проверяются до вызова обработчика;
// аутентификацию выполняет Identity Context Resolver, здесь она не проверяется.
type Validator struct {
	router routers.Router
	logger *slog.Logger
}

// NewValidator создаёт валидатор по встроенному документу.
func NewValidator(ctx context.Context, logger *slog.Logger) (*Validator, error) {
	doc, err := Load(ctx)
	if err != nil {
		return nil, err
	}
	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("создание OpenAPI-маршрутизатора: %w", err)
	}
	return &Validator{
		router: router,
		logger: logger.With(slog.String("component", "openapi_validator")),
	}, nil
}

// Middleware возвращает HTTP middleware валидации.
// Запросы к путям, отсутствующим в документе, передаются дальше без проверки:
// ответ 404/405 формирует маршрутизатор сервера.
func (v *Validator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route, pathParams, err := v.router.FindRoute(r)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			input := &openapi3filter.RequestValidationInput{
				Request:    r,
				PathParams: pathParams,
				Route:      route,
				Options: &openapi3filter.Options{
					AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
					MultiError:         false,
				},
			}
			if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
				msg := validationMessage(err)
				v.logger.Debug("Запрос не прошёл OpenAPI-валидацию",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("error", msg),
				)
				apierrors.ValidationError(w, msg)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// validationMessage сокращает ошибку kin-openapi до первой строки
// без дампа схемы.
func validationMessage(err error) string {
	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		var schemaErr *openapi3.SchemaError
		if errors.As(reqErr.Err, &schemaErr) {
			field := strings.Join(schemaErr.JSONPointer(), ".")
			if field == "" && reqErr.Parameter != nil {
				field = reqErr.Parameter.Name
			}
			if field != "" {
				return fmt.Sprintf("%s: %s", field, schemaErr.Reason)
			}
			return schemaErr.Reason
		}
		if reqErr.Parameter != nil {
			return fmt.Sprintf("%s: %s", reqErr.Parameter.Name, firstLine(reqErr.Error()))
		}
	}
	return firstLine(err.Error())
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
