// Package webhooks keeps the per-app webhook handler registry, reconciles it
// with the platform's subscriptions and dispatches signed inbound deliveries.
//
// A Registry holds handlers by topic; all handlers of a topic share one
// delivery method. Reconciler.Register lists the remote subscriptions once and
// issues a create, update or delete per differing (topic, address) pair.
// Dispatcher.Process validates the HMAC header, resolves handlers (HTTP
// handlers are scoped to the request path) and runs them in registration
// order, stopping at the first error.
package webhooks
