// Package registry caches per-tenant service bundles. Entries are rebuilt
// from the tenant's stored credentials once they are older than the TTL,
// which bounds how long a stale in-memory credential snapshot can live
// without needing explicit invalidation signals.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/dmorandi/kommo-sync/internal/db/models"
	"github.com/dmorandi/kommo-sync/internal/kommo"
)

// entryTTL is how long a cached service bundle stays valid.
const entryTTL = 30 * time.Minute

// ErrTenantNotFound is returned when the tenant does not exist.
var ErrTenantNotFound = errors.New("tenant not found")

// ErrNoKommoCredentials is returned when the tenant never configured Kommo.
var ErrNoKommoCredentials = errors.New("tenant has no Kommo credentials")

// Services is the ready-to-use client bundle for one tenant.
type Services struct {
	Kommo  *kommo.Client
	Tenant *models.Tenant
}

type entry struct {
	services *Services
	builtAt  time.Time
}

// Registry hands out cached per-tenant services, rebuilding them lazily.
// Safe for concurrent use; rebuilds are deduplicated per tenant key.
type Registry struct {
	db    *gorm.DB
	mu    sync.RWMutex
	cache map[string]*entry
	group singleflight.Group
	ttl   time.Duration
	now   func() time.Time
}

// New creates a registry over the tenant store.
func New(db *gorm.DB) *Registry {
	return &Registry{
		db:    db,
		cache: make(map[string]*entry),
		ttl:   entryTTL,
		now:   time.Now,
	}
}

// Services returns the tenant's client bundle, rebuilding it when the
// cached entry is missing or older than the TTL.
func (r *Registry) Services(ctx context.Context, tenantID string) (*Services, error) {
	r.mu.RLock()
	e, ok := r.cache[tenantID]
	r.mu.RUnlock()

	if ok && r.now().Sub(e.builtAt) <= r.ttl {
		return e.services, nil
	}

	// Concurrent requests for the same stale tenant share one rebuild.
	v, err, _ := r.group.Do(tenantID, func() (any, error) {
		// Re-check under the group: another caller may have just rebuilt.
		r.mu.RLock()
		e, ok := r.cache[tenantID]
		r.mu.RUnlock()
		if ok && r.now().Sub(e.builtAt) <= r.ttl {
			return e.services, nil
		}
		return r.rebuild(ctx, tenantID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Services), nil
}

// rebuild loads the tenant's current credentials and constructs a fresh
// bundle.
func (r *Registry) rebuild(ctx context.Context, tenantID string) (*Services, error) {
	var tenant models.Tenant
	if err := r.db.WithContext(ctx).First(&tenant, "id = ?", tenantID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("load tenant: %w", err)
	}
	if !tenant.HasKommoCredentials() {
		return nil, ErrNoKommoCredentials
	}

	services := &Services{
		Kommo:  kommo.New(tenant.KommoBaseURL, tenant.KommoAuthToken),
		Tenant: &tenant,
	}

	r.mu.Lock()
	r.cache[tenantID] = &entry{services: services, builtAt: r.now()}
	r.mu.Unlock()

	log.Printf("services rebuilt for tenant %s", tenantID)
	return services, nil
}

// Invalidate drops the tenant's cached bundle. Called on logout and on
// credential updates.
func (r *Registry) Invalidate(tenantID string) {
	r.mu.Lock()
	delete(r.cache, tenantID)
	r.mu.Unlock()
}
