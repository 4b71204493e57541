// Package core holds the contracts shared by the webhook engine and its
// adapters: configuration, sessions, transport and GraphQL client shapes,
// error envelopes and operation observability. Adapters depend on core; core
// never depends on an adapter.
package core
