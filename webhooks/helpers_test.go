package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/goliatone/go-shopify/core"
)

const (
	testAppURL = "https://app.example.com"
	testSecret = "shpss_test_secret"
	testShop   = "test-shop.myshopify.com"
)

func testSession() core.Session {
	return core.Session{
		ID:          core.OfflineSessionID(testShop),
		Shop:        testShop,
		AccessToken: "shpat_test",
	}
}

func noopCallback(context.Context, Delivery) error { return nil }

func signedRequest(topic string, path string, body []byte) ProcessRequest {
	headers := http.Header{}
	headers.Set(HeaderTopic, topic)
	headers.Set(HeaderShopDomain, testShop)
	headers.Set(HeaderHMAC, SignBase64(body, testSecret))
	headers.Set(HeaderAPIVersion, core.DefaultAPIVersion)
	return ProcessRequest{Body: body, Headers: headers, Path: path}
}

type remoteSubscription struct {
	id                  string
	topic               string
	typename            string
	callbackURL         string
	arn                 string
	pubSubProject       string
	pubSubTopic         string
	includeFields       []string
	metafieldNamespaces []string
	filter              string
}

// fakePlatform answers the subscription query and mutations the reconciler
// sends, keeping subscriptions in memory.
type fakePlatform struct {
	mu          sync.Mutex
	subs        []remoteSubscription
	nextID      int
	mutations   []string
	listCalls   int
	listErr     error
	userErrors  map[string]string
	queryErrors map[string]error
}

func newFakePlatform(subs ...remoteSubscription) *fakePlatform {
	return &fakePlatform{subs: subs, userErrors: map[string]string{}, queryErrors: map[string]error{}}
}

func (p *fakePlatform) mutationCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.mutations)
}

func (p *fakePlatform) resetMutations() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mutations = nil
}

func (p *fakePlatform) Query(_ context.Context, session core.Session, req core.GraphQLRequest) (core.GraphQLResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if session.AccessToken == "" {
		return core.GraphQLResponse{}, errors.New("missing access token")
	}
	if req.OperationName == "shopifyApiReadWebhookSubscriptions" {
		return p.list(req.Variables)
	}

	p.mutations = append(p.mutations, req.OperationName)
	if err := p.queryErrors[req.OperationName]; err != nil {
		return core.GraphQLResponse{}, err
	}
	payload := map[string]any{"userErrors": []any{}}
	if message, ok := p.userErrors[req.OperationName]; ok {
		payload["userErrors"] = []any{map[string]any{"field": []string{"webhookSubscription"}, "message": message}}
		return respond(map[string]any{req.OperationName: payload})
	}

	switch {
	case strings.HasSuffix(req.OperationName, "Create"):
		p.nextID++
		sub := remoteSubscription{
			id:    "gid://shopify/WebhookSubscription/" + strconv.Itoa(p.nextID),
			topic: fmt.Sprint(req.Variables["topic"]),
		}
		applyInput(&sub, req.OperationName, req.Variables["webhookSubscription"])
		p.subs = append(p.subs, sub)
		payload["webhookSubscription"] = map[string]any{"id": sub.id}
	case strings.HasSuffix(req.OperationName, "Update"):
		id := fmt.Sprint(req.Variables["id"])
		for i := range p.subs {
			if p.subs[i].id == id {
				applyInput(&p.subs[i], req.OperationName, req.Variables["webhookSubscription"])
			}
		}
		payload["webhookSubscription"] = map[string]any{"id": id}
	case req.OperationName == "webhookSubscriptionDelete":
		id := fmt.Sprint(req.Variables["id"])
		kept := p.subs[:0]
		for _, sub := range p.subs {
			if sub.id != id {
				kept = append(kept, sub)
			}
		}
		p.subs = kept
		payload["deletedWebhookSubscriptionId"] = id
	default:
		return core.GraphQLResponse{}, fmt.Errorf("unexpected operation %q", req.OperationName)
	}
	return respond(map[string]any{req.OperationName: payload})
}

func (p *fakePlatform) list(variables map[string]any) (core.GraphQLResponse, error) {
	p.listCalls++
	if p.listErr != nil {
		return core.GraphQLResponse{}, p.listErr
	}
	first, _ := variables["first"].(int)
	if first <= 0 {
		first = len(p.subs)
	}
	start := 0
	if cursor, ok := variables["endCursor"].(string); ok {
		start, _ = strconv.Atoi(cursor)
	}
	end := min(start+first, len(p.subs))

	edges := []any{}
	for _, sub := range p.subs[start:end] {
		endpoint := map[string]any{"__typename": sub.typename}
		switch sub.typename {
		case "WebhookHttpEndpoint":
			endpoint["callbackUrl"] = sub.callbackURL
		case "WebhookEventBridgeEndpoint":
			endpoint["arn"] = sub.arn
		case "WebhookPubSubEndpoint":
			endpoint["pubSubProject"] = sub.pubSubProject
			endpoint["pubSubTopic"] = sub.pubSubTopic
		}
		var filter any
		if sub.filter != "" {
			filter = sub.filter
		}
		edges = append(edges, map[string]any{"node": map[string]any{
			"id":                  sub.id,
			"topic":               sub.topic,
			"includeFields":       sub.includeFields,
			"metafieldNamespaces": sub.metafieldNamespaces,
			"filter":              filter,
			"endpoint":            endpoint,
		}})
	}
	var endCursor any
	if end < len(p.subs) {
		endCursor = strconv.Itoa(end)
	}
	return respond(map[string]any{"webhookSubscriptions": map[string]any{
		"edges":    edges,
		"pageInfo": map[string]any{"endCursor": endCursor, "hasNextPage": end < len(p.subs)},
	}})
}

// applyInput mirrors the platform: fields missing from the input keep their
// remote value.
func applyInput(sub *remoteSubscription, operation string, raw any) {
	input, _ := raw.(map[string]any)
	set := func(key string, target *string) {
		if value, ok := input[key]; ok {
			*target, _ = value.(string)
		}
	}
	setList := func(key string, target *[]string) {
		if value, ok := input[key]; ok {
			*target, _ = value.([]string)
		}
	}
	switch {
	case strings.HasPrefix(operation, "eventBridge"):
		sub.typename = "WebhookEventBridgeEndpoint"
		set("arn", &sub.arn)
	case strings.HasPrefix(operation, "pubSub"):
		sub.typename = "WebhookPubSubEndpoint"
		set("pubSubProject", &sub.pubSubProject)
		set("pubSubTopic", &sub.pubSubTopic)
	default:
		sub.typename = "WebhookHttpEndpoint"
		set("callbackUrl", &sub.callbackURL)
	}
	setList("includeFields", &sub.includeFields)
	setList("metafieldNamespaces", &sub.metafieldNamespaces)
	set("filter", &sub.filter)
}

func respond(data map[string]any) (core.GraphQLResponse, error) {
	rawData, err := json.Marshal(data)
	if err != nil {
		return core.GraphQLResponse{}, err
	}
	body, err := json.Marshal(map[string]json.RawMessage{"data": rawData})
	if err != nil {
		return core.GraphQLResponse{}, err
	}
	return core.GraphQLResponse{StatusCode: http.StatusOK, Body: body, Data: rawData}, nil
}

func httpSubscription(id string, topic string, url string) remoteSubscription {
	return remoteSubscription{id: id, topic: topic, typename: "WebhookHttpEndpoint", callbackURL: url}
}

type capturedLog struct {
	level string
	msg   string
}

type recordingLogger struct {
	mu      sync.Mutex
	records []capturedLog
}

func (l *recordingLogger) Trace(msg string, _ ...any) { l.record("trace", msg) }
func (l *recordingLogger) Debug(msg string, _ ...any) { l.record("debug", msg) }
func (l *recordingLogger) Info(msg string, _ ...any)  { l.record("info", msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.record("warn", msg) }
func (l *recordingLogger) Error(msg string, _ ...any) { l.record("error", msg) }
func (l *recordingLogger) Fatal(msg string, _ ...any) { l.record("fatal", msg) }

func (l *recordingLogger) WithContext(context.Context) core.Logger { return l }

func (l *recordingLogger) record(level string, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, capturedLog{level: level, msg: msg})
}

func (l *recordingLogger) count(level string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for _, record := range l.records {
		if record.level == level {
			count++
		}
	}
	return count
}
