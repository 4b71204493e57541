package sqlstore

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-shopify/core"
	"github.com/uptrace/bun"
)

// TokenCipher seals access tokens before they reach the sessions table.
type TokenCipher interface {
	EncryptToken(ctx context.Context, token string) (string, error)
	DecryptToken(ctx context.Context, stored string) (string, error)
}

type SessionStoreOption func(*SessionStore)

func WithTokenCipher(cipher TokenCipher) SessionStoreOption {
	return func(s *SessionStore) {
		s.cipher = cipher
	}
}

// SessionStore persists core.Session rows keyed by session id.
type SessionStore struct {
	db     *bun.DB
	repo   repository.Repository[*sessionRecord]
	cipher TokenCipher
	Now    func() time.Time
}

func NewSessionStore(db *bun.DB, opts ...SessionStoreOption) (*SessionStore, error) {
	if db == nil {
		return nil, storeError("sqlstore: bun db is required", goerrors.CategoryInternal, http.StatusInternalServerError, nil)
	}
	repo := repository.NewRepository[*sessionRecord](db, sessionHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, storeWrapError(err, "sqlstore: invalid session repository wiring", nil)
		}
	}
	store := &SessionStore{db: db, repo: repo}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

// StoreSession inserts the session or replaces every column of an existing
// row with the same id.
func (s *SessionStore) StoreSession(ctx context.Context, session core.Session) error {
	if s == nil || s.db == nil {
		return notConfiguredError("session")
	}
	if err := session.Validate(); err != nil {
		return storeError(err.Error(), goerrors.CategoryBadInput, http.StatusBadRequest, map[string]any{"session_id": session.ID})
	}
	record, err := newSessionRecord(session, s.now())
	if err != nil {
		return err
	}
	if s.cipher != nil {
		sealed, sealErr := s.cipher.EncryptToken(ctx, record.AccessToken)
		if sealErr != nil {
			return storeWrapError(sealErr, "sqlstore: encrypt access token", map[string]any{"session_id": record.ID})
		}
		record.AccessToken = sealed
	}

	_, err = s.db.NewInsert().
		Model(record).
		On("CONFLICT (id) DO UPDATE").
		Set("shop = EXCLUDED.shop").
		Set("state = EXCLUDED.state").
		Set("is_online = EXCLUDED.is_online").
		Set("scope = EXCLUDED.scope").
		Set("expires = EXCLUDED.expires").
		Set("access_token = EXCLUDED.access_token").
		Set("online_access_info = EXCLUDED.online_access_info").
		Set("user_id = EXCLUDED.user_id").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return storeWrapError(err, "sqlstore: store session", map[string]any{"session_id": record.ID, "shop": record.Shop})
	}
	return nil
}

func (s *SessionStore) LoadSession(ctx context.Context, id string) (core.Session, error) {
	if s == nil || s.db == nil {
		return core.Session{}, notConfiguredError("session")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return core.Session{}, storeError("sqlstore: session id is required", goerrors.CategoryBadInput, http.StatusBadRequest, nil)
	}
	record := &sessionRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return core.Session{}, notFoundError("sqlstore: session not found", map[string]any{"session_id": id})
		}
		return core.Session{}, storeWrapError(err, "sqlstore: load session", map[string]any{"session_id": id})
	}
	return s.toDomain(ctx, record)
}

// DeleteSession is a no-op for unknown ids.
func (s *SessionStore) DeleteSession(ctx context.Context, id string) error {
	return s.DeleteSessions(ctx, []string{id})
}

func (s *SessionStore) DeleteSessions(ctx context.Context, ids []string) error {
	if s == nil || s.db == nil {
		return notConfiguredError("session")
	}
	normalized := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			normalized = append(normalized, id)
		}
	}
	if len(normalized) == 0 {
		return nil
	}
	if _, err := s.db.NewDelete().
		Model((*sessionRecord)(nil)).
		Where("id IN (?)", bun.In(normalized)).
		Exec(ctx); err != nil {
		return storeWrapError(err, "sqlstore: delete sessions", map[string]any{"count": len(normalized)})
	}
	return nil
}

func (s *SessionStore) FindSessionsByShop(ctx context.Context, shop string) ([]core.Session, error) {
	if s == nil || s.repo == nil {
		return nil, notConfiguredError("session")
	}
	sanitized, err := core.SanitizeShop(shop)
	if err != nil {
		return nil, storeError(err.Error(), goerrors.CategoryBadInput, http.StatusBadRequest, map[string]any{"shop": shop})
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("shop", "=", sanitized),
		repository.OrderBy("id ASC"),
	)
	if err != nil {
		return nil, storeWrapError(err, "sqlstore: find sessions by shop", map[string]any{"shop": sanitized})
	}
	out := make([]core.Session, 0, len(records))
	for _, record := range records {
		session, convErr := s.toDomain(ctx, record)
		if convErr != nil {
			return nil, convErr
		}
		out = append(out, session)
	}
	return out, nil
}

func (s *SessionStore) toDomain(ctx context.Context, record *sessionRecord) (core.Session, error) {
	session, err := record.toDomain()
	if err != nil || s.cipher == nil {
		return session, err
	}
	token, err := s.cipher.DecryptToken(ctx, session.AccessToken)
	if err != nil {
		return core.Session{}, storeWrapError(err, "sqlstore: decrypt access token", map[string]any{"session_id": record.ID})
	}
	session.AccessToken = token
	return session, nil
}

func (s *SessionStore) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func newSessionRecord(session core.Session, now time.Time) (*sessionRecord, error) {
	shop, err := core.SanitizeShop(session.Shop)
	if err != nil {
		return nil, storeError(err.Error(), goerrors.CategoryBadInput, http.StatusBadRequest, map[string]any{"shop": session.Shop})
	}
	record := &sessionRecord{
		ID:          strings.TrimSpace(session.ID),
		Shop:        shop,
		State:       session.State,
		IsOnline:    session.IsOnline,
		Scope:       session.Scope,
		AccessToken: session.AccessToken,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if session.Expires != nil {
		expires := session.Expires.UTC()
		record.Expires = &expires
	}
	if info := session.OnlineAccessInfo; info != nil {
		payload, marshalErr := json.Marshal(info)
		if marshalErr != nil {
			return nil, storeWrapError(marshalErr, "sqlstore: encode online access info", map[string]any{"session_id": record.ID})
		}
		record.OnlineAccessInfo = payload
		if info.UserID != 0 {
			userID := info.UserID
			record.UserID = &userID
		}
	}
	return record, nil
}

func (r *sessionRecord) toDomain() (core.Session, error) {
	session := core.Session{
		ID:          r.ID,
		Shop:        r.Shop,
		State:       r.State,
		IsOnline:    r.IsOnline,
		Scope:       r.Scope,
		AccessToken: r.AccessToken,
	}
	if r.Expires != nil {
		expires := r.Expires.UTC()
		session.Expires = &expires
	}
	if len(r.OnlineAccessInfo) > 0 {
		info := &core.OnlineAccessInfo{}
		if err := json.Unmarshal(r.OnlineAccessInfo, info); err != nil {
			return core.Session{}, storeWrapError(err, "sqlstore: decode online access info", map[string]any{"session_id": r.ID})
		}
		session.OnlineAccessInfo = info
	}
	return session, nil
}
