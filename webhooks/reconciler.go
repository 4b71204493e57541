package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-shopify/core"
)

type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

const maxSubscriptionPages = 100

// RegisterResult is the outcome of one remote operation. Result holds the
// raw platform response body when one was received.
type RegisterResult struct {
	Operation      Operation
	DeliveryMethod DeliveryMethod
	Address        string
	SubscriptionID string
	Success        bool
	Result         json.RawMessage
	Err            error
}

// RegisterReturn is keyed by topic. Topics with nothing to change map to an
// empty list.
type RegisterReturn map[string][]RegisterResult

// Failed returns the topics with at least one unsuccessful operation.
func (r RegisterReturn) Failed() []string {
	topics := []string{}
	for topic, results := range r {
		for _, result := range results {
			if !result.Success {
				topics = append(topics, topic)
				break
			}
		}
	}
	sort.Strings(topics)
	return topics
}

// Mutations counts the remote operations issued.
func (r RegisterReturn) Mutations() int {
	count := 0
	for _, results := range r {
		count += len(results)
	}
	return count
}

type plannedOperation struct {
	topic   string
	op      Operation
	method  DeliveryMethod
	address string
	handler HandlerDefinition
	remote  *Subscription
}

type ReconcilerOption func(*Reconciler)

// WithKeepUnregistered leaves remote subscriptions that no local handler
// claims untouched.
func WithKeepUnregistered(keep bool) ReconcilerOption {
	return func(r *Reconciler) {
		r.prune = !keep
	}
}

func WithReconcilerObserver(observer *core.Observer) ReconcilerOption {
	return func(r *Reconciler) {
		if observer != nil {
			r.observer = observer
		}
	}
}

func WithPageSize(size int) ReconcilerOption {
	return func(r *Reconciler) {
		if size > 0 && size <= subscriptionsPageSize {
			r.pageSize = size
		}
	}
}

// Reconciler syncs the registry with the platform's webhook subscriptions.
// It never locks the registry; concurrent Register calls for the same shop
// race at the platform.
type Reconciler struct {
	registry *Registry
	client   core.GraphQLClient
	appURL   string
	prune    bool
	pageSize int
	observer *core.Observer
}

func NewReconciler(registry *Registry, client core.GraphQLClient, appURL string, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		registry: registry,
		client:   client,
		appURL:   strings.TrimSpace(appURL),
		prune:    true,
		pageSize: subscriptionsPageSize,
		observer: core.NewObserver(nil, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register issues one create, update or delete per (topic, address) pair
// that differs from the platform. Per-operation failures are reported in
// the result; the error return is reserved for an unusable session or a
// failed subscription listing.
func (r *Reconciler) Register(ctx context.Context, session core.Session) (RegisterReturn, error) {
	if r == nil || r.registry == nil || r.client == nil {
		return nil, goerrors.New("webhooks: reconciler requires registry and graphql client", goerrors.CategoryInternal).
			WithCode(http.StatusInternalServerError).
			WithTextCode(core.ErrorInternal)
	}
	if err := session.Validate(); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryBadInput, "webhooks: invalid session").
			WithCode(http.StatusBadRequest).
			WithTextCode(core.ErrorBadInput)
	}
	if strings.TrimSpace(session.AccessToken) == "" {
		return nil, goerrors.New("webhooks: session access token is required", goerrors.CategoryAuth).
			WithCode(http.StatusUnauthorized).
			WithTextCode(core.ErrorUnauthorized)
	}

	startedAt := time.Now()
	existing, err := r.ListSubscriptions(ctx, session)
	if err != nil {
		r.observer.ObserveOperation(ctx, startedAt, "webhooks.register", err, map[string]any{"shop": session.Shop})
		return nil, err
	}

	out := RegisterReturn{}
	for _, topic := range r.registry.GetTopicsAdded() {
		if !IsPrivacyTopic(topic) {
			out[topic] = []RegisterResult{}
		}
	}
	for _, planned := range r.plan(existing) {
		out[planned.topic] = append(out[planned.topic], r.execute(ctx, session, planned))
	}

	var summaryErr error
	if failed := out.Failed(); len(failed) > 0 {
		summaryErr = fmt.Errorf("webhooks: registration failed for topics %s", strings.Join(failed, ","))
	}
	r.observer.ObserveOperation(ctx, startedAt, "webhooks.register", summaryErr, map[string]any{
		"shop":      session.Shop,
		"topics":    len(out),
		"mutations": out.Mutations(),
	})
	return out, nil
}

// ListSubscriptions pages through every webhook subscription of the shop.
func (r *Reconciler) ListSubscriptions(ctx context.Context, session core.Session) ([]Subscription, error) {
	subscriptions := []Subscription{}
	var cursor *string
	for page := 0; page < maxSubscriptionPages; page++ {
		variables := map[string]any{"first": r.pageSize}
		if cursor != nil {
			variables["endCursor"] = *cursor
		}
		response, err := r.client.Query(ctx, session, core.GraphQLRequest{
			Query:         listSubscriptionsQuery,
			OperationName: "shopifyApiReadWebhookSubscriptions",
			Variables:     variables,
		})
		if err != nil {
			return nil, fmt.Errorf("webhooks: list subscriptions: %w", err)
		}
		var payload subscriptionsPayload
		if err := json.Unmarshal(response.Data, &payload); err != nil {
			return nil, fmt.Errorf("webhooks: decode subscriptions: %w", err)
		}
		for _, edge := range payload.WebhookSubscriptions.Edges {
			if sub, ok := edge.Node.toSubscription(); ok {
				subscriptions = append(subscriptions, sub)
			}
		}
		info := payload.WebhookSubscriptions.PageInfo
		if !info.HasNextPage || info.EndCursor == nil || *info.EndCursor == "" {
			return subscriptions, nil
		}
		cursor = info.EndCursor
	}
	return nil, fmt.Errorf("webhooks: subscription listing exceeded %d pages", maxSubscriptionPages)
}

type desiredTarget struct {
	address string
	handler HandlerDefinition
}

func (r *Reconciler) plan(existing []Subscription) []plannedOperation {
	remoteByTopic := map[string][]Subscription{}
	for _, sub := range existing {
		remoteByTopic[sub.Topic] = append(remoteByTopic[sub.Topic], sub)
	}

	planned := []plannedOperation{}
	localTopics := r.registry.GetTopicsAdded()
	for _, topic := range localTopics {
		if IsPrivacyTopic(topic) {
			continue
		}
		planned = append(planned, r.planTopic(topic, r.distinctTargets(topic), remoteByTopic[topic])...)
	}

	if !r.prune {
		return planned
	}
	staleTopics := make([]string, 0, len(remoteByTopic))
	for topic := range remoteByTopic {
		if IsPrivacyTopic(topic) || len(r.registry.GetHandlers(topic)) > 0 {
			continue
		}
		staleTopics = append(staleTopics, topic)
	}
	sort.Strings(staleTopics)
	for _, topic := range staleTopics {
		for _, sub := range remoteByTopic[topic] {
			planned = append(planned, deleteOperation(topic, sub))
		}
	}
	return planned
}

// planTopic matches exact addresses first so that re-pointing a leftover
// remote never steals a subscription another handler already owns.
func (r *Reconciler) planTopic(topic string, desired []desiredTarget, remotes []Subscription) []plannedOperation {
	planned := []plannedOperation{}
	used := make([]bool, len(remotes))

	unmatched := []desiredTarget{}
	for _, target := range desired {
		method := target.handler.DeliveryMethod()
		index := findRemote(remotes, used, func(sub Subscription) bool {
			return sub.DeliveryMethod == method && sub.Address == target.address
		})
		if index < 0 {
			unmatched = append(unmatched, target)
			continue
		}
		used[index] = true
		if !remotes[index].Options.equal(target.handler.Options()) {
			planned = append(planned, updateOperation(topic, target, remotes[index]))
		}
	}

	for _, target := range unmatched {
		method := target.handler.DeliveryMethod()
		index := findRemote(remotes, used, func(sub Subscription) bool {
			return sub.DeliveryMethod == method
		})
		if index < 0 {
			planned = append(planned, plannedOperation{
				topic:   topic,
				op:      OperationCreate,
				method:  method,
				address: target.address,
				handler: target.handler,
			})
			continue
		}
		used[index] = true
		planned = append(planned, updateOperation(topic, target, remotes[index]))
	}

	if r.prune {
		for i, sub := range remotes {
			if !used[i] {
				planned = append(planned, deleteOperation(topic, sub))
			}
		}
	}
	return planned
}

// distinctTargets keeps the first handler per address; later handlers at the
// same address share its subscription.
func (r *Reconciler) distinctTargets(topic string) []desiredTarget {
	seen := map[string]struct{}{}
	targets := []desiredTarget{}
	for _, handler := range r.registry.GetHandlers(topic) {
		address := Address(handler, r.appURL)
		if _, ok := seen[address]; ok {
			continue
		}
		seen[address] = struct{}{}
		targets = append(targets, desiredTarget{address: address, handler: handler})
	}
	return targets
}

func (r *Reconciler) execute(ctx context.Context, session core.Session, planned plannedOperation) RegisterResult {
	startedAt := time.Now()
	result := RegisterResult{
		Operation:      planned.op,
		DeliveryMethod: planned.method,
		Address:        planned.address,
	}
	if planned.remote != nil {
		result.SubscriptionID = planned.remote.ID
	}

	mutation := mutationName(planned.op, planned.method)
	variables := map[string]any{}
	switch planned.op {
	case OperationCreate:
		variables["topic"] = planned.topic
		variables["webhookSubscription"] = subscriptionInput(planned.handler, planned.address)
	case OperationUpdate:
		variables["id"] = planned.remote.ID
		variables["webhookSubscription"] = subscriptionInput(planned.handler, planned.address)
	case OperationDelete:
		variables["id"] = planned.remote.ID
	}

	response, err := r.client.Query(ctx, session, core.GraphQLRequest{
		Query:         mutationDocument(planned.op, planned.method),
		OperationName: mutation,
		Variables:     variables,
	})
	if len(response.Body) > 0 {
		result.Result = append(json.RawMessage(nil), response.Body...)
	}
	if err == nil {
		var payload mutationPayload
		payload, err = decodeMutationPayload(response.Data, mutation)
		if err == nil && len(payload.UserErrors) > 0 {
			err = goerrors.New("webhooks: "+mutation+" rejected: "+payload.userErrorMessage(), goerrors.CategoryExternal).
				WithCode(http.StatusUnprocessableEntity).
				WithTextCode(core.ErrorExternalFailure).
				WithMetadata(map[string]any{"topic": planned.topic, "mutation": mutation})
		}
		if err == nil && payload.subscriptionID() != "" {
			result.SubscriptionID = payload.subscriptionID()
		}
	}
	result.Err = err
	result.Success = err == nil

	r.observer.ObserveOperation(ctx, startedAt, "webhooks.subscription."+string(planned.op), err, map[string]any{
		"shop":            session.Shop,
		"topic":           planned.topic,
		"delivery_method": string(planned.method),
		"address":         planned.address,
	})
	return result
}

func updateOperation(topic string, target desiredTarget, remote Subscription) plannedOperation {
	return plannedOperation{
		topic:   topic,
		op:      OperationUpdate,
		method:  target.handler.DeliveryMethod(),
		address: target.address,
		handler: target.handler,
		remote:  &remote,
	}
}

func deleteOperation(topic string, remote Subscription) plannedOperation {
	return plannedOperation{
		topic:   topic,
		op:      OperationDelete,
		method:  remote.DeliveryMethod,
		address: remote.Address,
		remote:  &remote,
	}
}

func findRemote(remotes []Subscription, used []bool, match func(Subscription) bool) int {
	for i, sub := range remotes {
		if !used[i] && match(sub) {
			return i
		}
	}
	return -1
}
