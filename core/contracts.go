package core

import (
	"context"
	"encoding/json"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type TransportRequest struct {
	Method               string
	URL                  string
	Headers              map[string]string
	Query                map[string]string
	Body                 []byte
	Metadata             map[string]any
	Timeout              time.Duration
	MaxResponseBodyBytes int64
}

type TransportResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Metadata   map[string]any
}

type TransportAdapter interface {
	Kind() string
	Do(ctx context.Context, req TransportRequest) (TransportResponse, error)
}

type GraphQLRequest struct {
	Query         string
	OperationName string
	Variables     map[string]any
}

// GraphQLResponse keeps the raw body so callers can surface the exact
// platform payload. Data is the decoded "data" member.
type GraphQLResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       json.RawMessage
	Data       json.RawMessage
}

// GraphQLClient talks to the Admin GraphQL API on behalf of a shop session.
// Non-2xx responses and top-level GraphQL errors are returned as errors that
// carry the HTTP status code.
type GraphQLClient interface {
	Query(ctx context.Context, session Session, req GraphQLRequest) (GraphQLResponse, error)
}

type SessionStore interface {
	StoreSession(ctx context.Context, session Session) error
	LoadSession(ctx context.Context, id string) (Session, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteSessions(ctx context.Context, ids []string) error
	FindSessionsByShop(ctx context.Context, shop string) ([]Session, error)
}
