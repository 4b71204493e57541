package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-shopify/core"
)

const KindGraphQL = "graphql"

// GraphQLAdapter posts {query, operationName, variables} documents over a
// RESTAdapter. As a core.TransportAdapter the document is read from
// Metadata["query"], Metadata["operation_name"] and Metadata["variables"].
type GraphQLAdapter struct {
	Endpoint string
	REST     *RESTAdapter
}

func NewGraphQLAdapter(endpoint string, client HTTPDoer) *GraphQLAdapter {
	return &GraphQLAdapter{
		Endpoint: strings.TrimSpace(endpoint),
		REST:     NewRESTAdapter(client),
	}
}

func (*GraphQLAdapter) Kind() string {
	return KindGraphQL
}

func (a *GraphQLAdapter) Do(ctx context.Context, req core.TransportRequest) (core.TransportResponse, error) {
	document := core.GraphQLRequest{
		Query:         metadataString(req.Metadata, "query"),
		OperationName: metadataString(req.Metadata, "operation_name"),
	}
	if document.Query == "" {
		document.Query = strings.TrimSpace(string(req.Body))
	}
	if variables, ok := req.Metadata["variables"].(map[string]any); ok {
		document.Variables = variables
	}
	endpoint := strings.TrimSpace(req.URL)
	if endpoint == "" {
		endpoint = a.endpoint()
	}
	return a.Execute(ctx, endpoint, req.Headers, document, req.MaxResponseBodyBytes)
}

// Execute sends one GraphQL document to endpoint.
func (a *GraphQLAdapter) Execute(
	ctx context.Context,
	endpoint string,
	headers map[string]string,
	document core.GraphQLRequest,
	maxResponseBytes int64,
) (core.TransportResponse, error) {
	if a == nil || a.REST == nil {
		return core.TransportResponse{}, transportError("transport: graphql adapter requires a rest adapter",
			goerrors.CategoryInternal, http.StatusInternalServerError, map[string]any{"adapter": KindGraphQL})
	}
	if strings.TrimSpace(endpoint) == "" {
		return core.TransportResponse{}, transportError("transport: graphql endpoint is required",
			goerrors.CategoryBadInput, http.StatusBadRequest, map[string]any{"adapter": KindGraphQL})
	}
	if strings.TrimSpace(document.Query) == "" {
		return core.TransportResponse{}, transportError("transport: graphql query is required",
			goerrors.CategoryBadInput, http.StatusBadRequest, map[string]any{"adapter": KindGraphQL, "endpoint": endpoint})
	}

	payload := map[string]any{"query": document.Query}
	if name := strings.TrimSpace(document.OperationName); name != "" {
		payload["operationName"] = name
	}
	if document.Variables != nil {
		payload["variables"] = document.Variables
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return core.TransportResponse{}, transportWrapError(err, goerrors.CategoryBadInput, "transport: marshal graphql payload",
			http.StatusBadRequest, map[string]any{"adapter": KindGraphQL, "operation": document.OperationName})
	}

	requestHeaders := map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json",
	}
	for key, value := range headers {
		requestHeaders[key] = value
	}
	response, err := a.REST.Do(ctx, core.TransportRequest{
		Method:               http.MethodPost,
		URL:                  endpoint,
		Headers:              requestHeaders,
		Body:                 body,
		MaxResponseBodyBytes: maxResponseBytes,
	})
	if err != nil {
		return core.TransportResponse{}, transportWrapError(err, goerrors.CategoryExternal, "transport: graphql request failed",
			http.StatusBadGateway, map[string]any{"adapter": KindGraphQL, "operation": document.OperationName})
	}
	if response.Metadata == nil {
		response.Metadata = map[string]any{}
	}
	response.Metadata["kind"] = KindGraphQL
	return response, nil
}

func (a *GraphQLAdapter) endpoint() string {
	if a == nil {
		return ""
	}
	return a.Endpoint
}

func metadataString(metadata map[string]any, key string) string {
	value, ok := metadata[key]
	if !ok || value == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(value))
}

var _ core.TransportAdapter = (*GraphQLAdapter)(nil)
