package sqlstore

import (
	"net/http"

	goerrors "github.com/goliatone/go-errors"
	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/uptrace/bun"
)

// RepositoryFactory builds the SQL stores over one bun connection.
type RepositoryFactory struct {
	db          *bun.DB
	sessionOpts []SessionStoreOption

	sessionStore         *SessionStore
	webhookDeliveryStore *WebhookDeliveryStore
}

// NewRepositoryFactory keeps opts for the session store it builds.
func NewRepositoryFactory(opts ...SessionStoreOption) *RepositoryFactory {
	return &RepositoryFactory{sessionOpts: opts}
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client, opts ...SessionStoreOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB, opts ...SessionStoreOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

// BuildStores accepts a *bun.DB or anything exposing DB() *bun.DB, such as
// a go-persistence-bun client.
func (f *RepositoryFactory) BuildStores(persistenceClient any) error {
	if f == nil {
		return storeError("sqlstore: repository factory is nil", goerrors.CategoryInternal, http.StatusInternalServerError, nil)
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return err
		}
		f.db = db
	}
	if f.sessionStore != nil && f.webhookDeliveryStore != nil {
		return nil
	}

	sessionStore, err := NewSessionStore(f.db, f.sessionOpts...)
	if err != nil {
		return err
	}
	deliveryStore, err := NewWebhookDeliveryStore(f.db)
	if err != nil {
		return err
	}
	f.sessionStore = sessionStore
	f.webhookDeliveryStore = deliveryStore
	return nil
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) SessionStore() *SessionStore {
	if f == nil {
		return nil
	}
	return f.sessionStore
}

func (f *RepositoryFactory) WebhookDeliveryStore() *WebhookDeliveryStore {
	if f == nil {
		return nil
	}
	return f.webhookDeliveryStore
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, storeError("sqlstore: persistence client is required", goerrors.CategoryInternal, http.StatusInternalServerError, nil)
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, storeError("sqlstore: persistence client returned nil bun db", goerrors.CategoryInternal, http.StatusInternalServerError, nil)
		}
		return db, nil
	default:
		return nil, storeError("sqlstore: unsupported persistence client type", goerrors.CategoryInternal,
			http.StatusInternalServerError, map[string]any{"type": typeName(candidate)})
	}
}
