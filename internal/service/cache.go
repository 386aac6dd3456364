// cache.go — LRU-кэш identity с TTL для Identity Context Resolver.
// Обёртка над hashicorp/golang-lru/v2/expirable.
package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sagesolar/magpie-sub000/internal/domain/model"
)

// Prometheus-метрики кэша.
var (
	identityCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "magpie_identity_cache_hits_total",
		Help: "Общее количество попаданий в LRU-кэш identity.",
	})
	identityCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "magpie_identity_cache_misses_total",
		Help: "Общее количество промахов LRU-кэша identity.",
	})
)

// IdentityCache — LRU-кэш identity с автоматическим TTL.
// Кэшируется только существование и профиль identity, не решения авторизации.
type IdentityCache struct {
	cache *expirable.LRU[string, *model.Identity]
}

// NewIdentityCache создаёт кэш с указанным максимальным размером и TTL.
func NewIdentityCache(maxSize int, ttl time.Duration) *IdentityCache {
	return &IdentityCache{cache: expirable.NewLRU[string, *model.Identity](maxSize, nil, ttl)}
}

// Get возвращает identity из кэша.
// Возвращает (identity, true) при hit или (nil, false) при miss.
func (c *IdentityCache) Get(id string) (*model.Identity, bool) {
	val, ok := c.cache.Get(id)
	if ok {
		identityCacheHits.Inc()
		return val, true
	}
	identityCacheMisses.Inc()
	return nil, false
}

// Set добавляет или обновляет identity в кэше.
func (c *IdentityCache) Set(ident *model.Identity) {
	c.cache.Add(ident.ID, ident)
}

// Delete удаляет identity из кэша (инвалидация при изменении профиля или удалении).
func (c *IdentityCache) Delete(id string) {
	c.cache.Remove(id)
}

// Len возвращает количество записей в кэше.
func (c *IdentityCache) Len() int {
	return c.cache.Len()
}
