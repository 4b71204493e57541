package webhooks

import (
	"fmt"
	"sort"
	"sync"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-shopify/core"
)

// Registry maps topics to their ordered handler lists. Every topic holds
// handlers of a single delivery method. A Registry belongs to one app
// instance; there is no shared registry.
//
// Handlers are expected to be added at startup. The lock only keeps the map
// consistent; it does not order AddHandlers against in-flight dispatches.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]HandlerDefinition
	logger   core.Logger
}

func NewRegistry(logger core.Logger) *Registry {
	return &Registry{
		handlers: map[string][]HandlerDefinition{},
		logger:   glog.Ensure(logger),
	}
}

// AddHandler registers handlers for one topic.
func (r *Registry) AddHandler(topic string, handlers ...HandlerDefinition) error {
	return r.AddHandlers(map[string][]HandlerDefinition{topic: handlers})
}

// AddHandlers appends handlers per topic. The whole call is validated first;
// on error nothing is registered. Keys that normalize to the same topic are
// rejected since map order would decide their handler order.
func (r *Registry) AddHandlers(mapping map[string][]HandlerDefinition) error {
	if r == nil {
		return fmt.Errorf("webhooks: registry is nil")
	}

	pending := make(map[string][]HandlerDefinition, len(mapping))
	keys := make(map[string]string, len(mapping))
	for rawTopic, defs := range mapping {
		topic := NormalizeTopic(rawTopic)
		if topic == "" {
			return fmt.Errorf("webhooks: topic is required")
		}
		if other, ok := keys[topic]; ok {
			aliases := []string{other, rawTopic}
			sort.Strings(aliases)
			return fmt.Errorf("webhooks: keys %q and %q both name topic %s, register them in separate calls",
				aliases[0], aliases[1], topic)
		}
		keys[topic] = rawTopic
		for _, def := range defs {
			if def == nil {
				return fmt.Errorf("webhooks: handler for topic %s is nil", topic)
			}
			if err := def.validate(); err != nil {
				return err
			}
		}
		pending[topic] = append(pending[topic], defs...)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for topic, defs := range pending {
		if err := checkDeliveryMethods(topic, append(append([]HandlerDefinition(nil), r.handlers[topic]...), defs...)); err != nil {
			return err
		}
	}

	topics := make([]string, 0, len(pending))
	for topic := range pending {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	for _, topic := range topics {
		r.handlers[topic] = append(r.handlers[topic], pending[topic]...)
		if count := len(r.handlers[topic]); count > 1 {
			r.logger.Warn("webhooks: multiple handlers registered for topic, they will run sequentially",
				"topic", topic,
				"handlers", count,
			)
		}
	}
	return nil
}

// GetHandlers returns a copy of the handlers for topic in registration order.
func (r *Registry) GetHandlers(topic string) []HandlerDefinition {
	if r == nil {
		return []HandlerDefinition{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := r.handlers[NormalizeTopic(topic)]
	return append(make([]HandlerDefinition, 0, len(defs)), defs...)
}

func (r *Registry) GetTopicsAdded() []string {
	if r == nil {
		return []string{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	topics := make([]string, 0, len(r.handlers))
	for topic, defs := range r.handlers {
		if len(defs) > 0 {
			topics = append(topics, topic)
		}
	}
	sort.Strings(topics)
	return topics
}

// DeliveryMethod returns the delivery method registered for topic.
func (r *Registry) DeliveryMethod(topic string) (DeliveryMethod, bool) {
	defs := r.GetHandlers(topic)
	if len(defs) == 0 {
		return "", false
	}
	return defs[0].DeliveryMethod(), true
}

func checkDeliveryMethods(topic string, defs []HandlerDefinition) error {
	if len(defs) == 0 {
		return nil
	}
	first := defs[0].DeliveryMethod()
	for _, def := range defs[1:] {
		if method := def.DeliveryMethod(); method != first {
			return invalidDeliveryMethodError(topic, first, method)
		}
	}
	return nil
}
