package sqlstore

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-shopify/core"
)

const sessionCacheKeyPrefix = "go-shopify::session::v1"

// CachedSessionStore serves LoadSession from a cache and invalidates on every
// write. Shop lookups always go to the base store.
type CachedSessionStore struct {
	base  core.SessionStore
	cache repositorycache.CacheService
}

func NewCachedSessionStore(base core.SessionStore, cacheService repositorycache.CacheService) (*CachedSessionStore, error) {
	if base == nil {
		return nil, storeError("sqlstore: base session store is required", goerrors.CategoryInternal, http.StatusInternalServerError, nil)
	}
	if cacheService == nil {
		return nil, storeError("sqlstore: session cache service is required", goerrors.CategoryInternal, http.StatusInternalServerError, nil)
	}
	return &CachedSessionStore{base: base, cache: cacheService}, nil
}

// SessionCacheKey returns go-shopify::session::v1::<session id> with the id
// URL-path escaped.
func SessionCacheKey(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", storeError("sqlstore: session id is required", goerrors.CategoryBadInput, http.StatusBadRequest, nil)
	}
	return sessionCacheKeyPrefix + "::" + url.PathEscape(id), nil
}

func (s *CachedSessionStore) LoadSession(ctx context.Context, id string) (core.Session, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.Session{}, notConfiguredError("cached session")
	}
	key, err := SessionCacheKey(id)
	if err != nil {
		return core.Session{}, err
	}
	session, err := repositorycache.GetOrFetch(ctx, s.cache, key, func(ctx context.Context) (core.Session, error) {
		fetched, fetchErr := s.base.LoadSession(ctx, strings.TrimSpace(id))
		if fetchErr != nil {
			return core.Session{}, fetchErr
		}
		return fetched.Clone(), nil
	})
	if err != nil {
		return core.Session{}, err
	}
	return session.Clone(), nil
}

func (s *CachedSessionStore) StoreSession(ctx context.Context, session core.Session) error {
	if s == nil || s.base == nil || s.cache == nil {
		return notConfiguredError("cached session")
	}
	if err := s.base.StoreSession(ctx, session); err != nil {
		return err
	}
	return s.invalidate(ctx, session.ID)
}

func (s *CachedSessionStore) DeleteSession(ctx context.Context, id string) error {
	return s.DeleteSessions(ctx, []string{id})
}

func (s *CachedSessionStore) DeleteSessions(ctx context.Context, ids []string) error {
	if s == nil || s.base == nil || s.cache == nil {
		return notConfiguredError("cached session")
	}
	if err := s.base.DeleteSessions(ctx, ids); err != nil {
		return err
	}
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			continue
		}
		if err := s.invalidate(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *CachedSessionStore) FindSessionsByShop(ctx context.Context, shop string) ([]core.Session, error) {
	if s == nil || s.base == nil {
		return nil, notConfiguredError("cached session")
	}
	return s.base.FindSessionsByShop(ctx, shop)
}

func (s *CachedSessionStore) invalidate(ctx context.Context, id string) error {
	key, err := SessionCacheKey(id)
	if err != nil {
		return err
	}
	if err := s.cache.Delete(ctx, key); err != nil {
		return storeWrapError(err, "sqlstore: invalidate session cache", map[string]any{"session_id": id})
	}
	return nil
}
