package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-shopify/core"
)

const HeaderAccessToken = "X-Shopify-Access-Token"

type graphQLError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

type graphQLEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

type AdminClientOption func(*AdminClient)

// WithBaseURL sends every request to baseURL instead of https://{shop}.
func WithBaseURL(baseURL string) AdminClientOption {
	return func(c *AdminClient) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

func WithAdminObserver(observer *core.Observer) AdminClientOption {
	return func(c *AdminClient) {
		if observer != nil {
			c.observer = observer
		}
	}
}

// AdminClient is the Admin GraphQL API client used for webhook
// subscriptions. It implements core.GraphQLClient.
type AdminClient struct {
	graphql    *GraphQLAdapter
	apiVersion string
	baseURL    string
	observer   *core.Observer
}

func NewAdminClient(apiVersion string, client HTTPDoer, opts ...AdminClientOption) *AdminClient {
	apiVersion = strings.TrimSpace(apiVersion)
	if apiVersion == "" {
		apiVersion = core.DefaultAPIVersion
	}
	c := &AdminClient{
		graphql:    NewGraphQLAdapter("", client),
		apiVersion: apiVersion,
		observer:   core.NewObserver(nil, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *AdminClient) Endpoint(shop string) string {
	base := c.baseURL
	if base == "" {
		base = "https://" + shop
	}
	return base + "/admin/api/" + c.apiVersion + "/graphql.json"
}

// Query returns the response alongside any error so callers can keep the
// raw platform payload of a failed call.
func (c *AdminClient) Query(ctx context.Context, session core.Session, req core.GraphQLRequest) (response core.GraphQLResponse, err error) {
	startedAt := time.Now()
	defer func() {
		c.observer.ObserveOperation(ctx, startedAt, "transport.graphql.query", err, map[string]any{
			"shop":        session.Shop,
			"operation":   req.OperationName,
			"status_code": response.StatusCode,
		})
	}()

	shop, err := core.SanitizeShop(session.Shop)
	if err != nil {
		return core.GraphQLResponse{}, transportWrapError(err, goerrors.CategoryBadInput, "transport: invalid shop domain",
			http.StatusBadRequest, map[string]any{"shop": session.Shop})
	}
	token := strings.TrimSpace(session.AccessToken)
	if token == "" {
		return core.GraphQLResponse{}, transportError("transport: session access token is required",
			goerrors.CategoryAuth, http.StatusUnauthorized, map[string]any{"shop": shop})
	}

	raw, err := c.graphql.Execute(ctx, c.Endpoint(shop), map[string]string{HeaderAccessToken: token}, req, 0)
	if err != nil {
		return core.GraphQLResponse{}, err
	}
	response = core.GraphQLResponse{
		StatusCode: raw.StatusCode,
		Headers:    raw.Headers,
		Body:       json.RawMessage(raw.Body),
	}
	if err := statusError(raw.StatusCode, shop, req.OperationName, raw.Headers); err != nil {
		return response, err
	}

	var envelope graphQLEnvelope
	if err := json.Unmarshal(raw.Body, &envelope); err != nil {
		return response, transportWrapError(err, goerrors.CategoryExternal, "transport: decode graphql response",
			http.StatusBadGateway, map[string]any{"shop": shop, "operation": req.OperationName})
	}
	response.Data = envelope.Data
	if len(envelope.Errors) > 0 {
		return response, graphQLErrors(envelope.Errors, shop, req.OperationName)
	}
	return response, nil
}

func statusError(status int, shop string, operation string, headers map[string]string) error {
	if status >= 200 && status < 300 {
		return nil
	}
	metadata := map[string]any{"shop": shop, "operation": operation, "status_code": status}
	switch status {
	case http.StatusUnauthorized:
		return transportError("transport: admin api rejected access token", goerrors.CategoryAuth, status, metadata)
	case http.StatusForbidden:
		return transportError("transport: admin api access forbidden", goerrors.CategoryAuthz, status, metadata)
	case http.StatusNotFound:
		return transportError("transport: admin api endpoint not found", goerrors.CategoryNotFound, status, metadata)
	case http.StatusTooManyRequests:
		if retryAfter := headerLookup(headers, "Retry-After"); retryAfter != "" {
			metadata["retry_after"] = retryAfter
		}
		return transportError("transport: admin api rate limited", goerrors.CategoryRateLimit, status, metadata)
	default:
		return transportError(fmt.Sprintf("transport: admin api returned status %d", status),
			goerrors.CategoryExternal, status, metadata)
	}
}

func graphQLErrors(items []graphQLError, shop string, operation string) error {
	messages := make([]string, 0, len(items))
	throttled := false
	for _, item := range items {
		messages = append(messages, item.Message)
		if strings.EqualFold(item.Extensions.Code, "THROTTLED") {
			throttled = true
		}
	}
	metadata := map[string]any{"shop": shop, "operation": operation}
	message := "transport: graphql errors: " + strings.Join(messages, "; ")
	if throttled {
		return transportError(message, goerrors.CategoryRateLimit, http.StatusTooManyRequests, metadata)
	}
	return transportError(message, goerrors.CategoryExternal, http.StatusBadGateway, metadata)
}

func headerLookup(headers map[string]string, key string) string {
	for existing, value := range headers {
		if strings.EqualFold(existing, key) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

var _ core.GraphQLClient = (*AdminClient)(nil)
