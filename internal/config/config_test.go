package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

// setEnvs устанавливает переменные окружения на время теста.
func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

// minimalEnvs возвращает минимальный набор обязательных переменных.
func minimalEnvs() map[string]string {
	return map[string]string{
		"MG_DB_HOST":     "localhost",
		"MG_DB_NAME":     "magpie",
		"MG_DB_USER":     "magpie",
		"MG_DB_PASSWORD": "secret",
		"MG_OIDC_URL":    "https://sso.example.org/realms/magpie/",
	}
}

func TestLoad_MinimalConfig(t *testing.T) {
	setEnvs(t, minimalEnvs())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}

	if cfg.Port != 8040 {
		t.Errorf("Port = %d, ожидается 8040", cfg.Port)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, ожидается Info", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, ожидается json", cfg.LogFormat)
	}
	if cfg.DBPort != 5432 || cfg.DBSSLMode != "disable" {
		t.Errorf("DBPort/DBSSLMode = %d/%q", cfg.DBPort, cfg.DBSSLMode)
	}
	if cfg.JWTLeeway != 30*time.Second {
		t.Errorf("JWTLeeway = %v, ожидается 30s", cfg.JWTLeeway)
	}
	if cfg.JWKSRefreshInterval != 15*time.Minute {
		t.Errorf("JWKSRefreshInterval = %v, ожидается 15m", cfg.JWKSRefreshInterval)
	}
	if cfg.IdentityCacheSize != 1024 || cfg.IdentityCacheTTL != time.Minute {
		t.Errorf("кэш identity = %d/%v", cfg.IdentityCacheSize, cfg.IdentityCacheTTL)
	}
	if cfg.DefaultPageSize != 20 || cfg.MaxPageSize != 100 {
		t.Errorf("пагинация = %d/%d", cfg.DefaultPageSize, cfg.MaxPageSize)
	}
	if cfg.ShutdownTimeout != 5*time.Second {
		t.Errorf("ShutdownTimeout = %v, ожидается 5s", cfg.ShutdownTimeout)
	}
}

func TestLoad_JWTAutoDerive(t *testing.T) {
	setEnvs(t, minimalEnvs())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}

	const realm = "https://sso.example.org/realms/magpie"
	if cfg.OIDCURL != realm {
		t.Errorf("OIDCURL = %q, ожидается без завершающего /", cfg.OIDCURL)
	}
	if cfg.JWTIssuer != realm {
		t.Errorf("JWTIssuer = %q, ожидается %q", cfg.JWTIssuer, realm)
	}
	if want := realm + "/protocol/openid-connect/certs"; cfg.JWTJWKSURL != want {
		t.Errorf("JWTJWKSURL = %q, ожидается %q", cfg.JWTJWKSURL, want)
	}
	if cfg.JWTAudience != "" {
		t.Errorf("JWTAudience = %q, ожидается пустая строка", cfg.JWTAudience)
	}
}

func TestLoad_Overrides(t *testing.T) {
	envs := minimalEnvs()
	envs["MG_PORT"] = "9000"
	envs["MG_LOG_LEVEL"] = "debug"
	envs["MG_LOG_FORMAT"] = "text"
	envs["MG_JWT_ISSUER"] = "https://issuer.example.org"
	envs["MG_JWT_AUDIENCE"] = "magpie-api"
	envs["MG_MAX_PAGE_SIZE"] = "50"
	envs["MG_DEFAULT_PAGE_SIZE"] = "50"
	setEnvs(t, envs)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}
	if cfg.Port != 9000 || cfg.LogLevel != slog.LevelDebug || cfg.LogFormat != "text" {
		t.Errorf("сервер = %d/%v/%q", cfg.Port, cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.JWTIssuer != "https://issuer.example.org" || cfg.JWTAudience != "magpie-api" {
		t.Errorf("JWT = %q/%q", cfg.JWTIssuer, cfg.JWTAudience)
	}
	if cfg.DefaultPageSize != 50 || cfg.MaxPageSize != 50 {
		t.Errorf("пагинация = %d/%d", cfg.DefaultPageSize, cfg.MaxPageSize)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{"нет хоста БД", "MG_DB_HOST", "", "MG_DB_HOST"},
		{"нет OIDC URL", "MG_OIDC_URL", "", "MG_OIDC_URL"},
		{"некорректный OIDC URL", "MG_OIDC_URL", "not a url", "MG_OIDC_URL"},
		{"порт вне диапазона", "MG_PORT", "70000", "MG_PORT"},
		{"порт не число", "MG_PORT", "abc", "MG_PORT"},
		{"уровень логирования", "MG_LOG_LEVEL", "verbose", "MG_LOG_LEVEL"},
		{"формат логов", "MG_LOG_FORMAT", "xml", "MG_LOG_FORMAT"},
		{"режим SSL", "MG_DB_SSL_MODE", "prefer", "MG_DB_SSL_MODE"},
		{"нулевой интервал JWKS", "MG_JWKS_REFRESH_INTERVAL", "0s", "MG_JWKS_REFRESH_INTERVAL"},
		{"размер кэша", "MG_IDENTITY_CACHE_SIZE", "0", "MG_IDENTITY_CACHE_SIZE"},
		{"страница больше максимума", "MG_DEFAULT_PAGE_SIZE", "500", "MG_DEFAULT_PAGE_SIZE"},
		{"некорректная длительность", "MG_SHUTDOWN_TIMEOUT", "5", "MG_SHUTDOWN_TIMEOUT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEnvs(t, minimalEnvs())
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			if err == nil {
				t.Fatal("Load() должен вернуть ошибку")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ошибка %q не содержит %q", err, tt.wantErr)
			}
		})
	}
}

func TestDatabaseStrings(t *testing.T) {
	cfg := &Config{
		DBHost: "db", DBPort: 5433, DBName: "magpie",
		DBUser: "user", DBPassword: "p@ss", DBSSLMode: "require",
	}

	if dsn := cfg.DatabaseDSN(); !strings.Contains(dsn, "password=p@ss") || !strings.Contains(dsn, "sslmode=require") {
		t.Errorf("DatabaseDSN = %q", dsn)
	}
	if u := cfg.DatabaseURL(); u != "postgres://user@db:5433/magpie" {
		t.Errorf("DatabaseURL = %q", u)
	}
	if u := cfg.MigrateURL(); u != "pgx5://user:p%40ss@db:5433/magpie?sslmode=require" {
		t.Errorf("MigrateURL = %q", u)
	}
}
