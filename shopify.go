// Package shopify wires webhook registration, delivery dispatch and session
// handling for an app into one App.
package shopify

import (
	"context"

	"github.com/goliatone/go-shopify/core"
	"github.com/goliatone/go-shopify/webhooks"
)

type Config = core.Config

type Session = core.Session

type SessionStore = core.SessionStore

type HandlerDefinition = webhooks.HandlerDefinition

type HTTPHandler = webhooks.HTTPHandler
type EventBridgeHandler = webhooks.EventBridgeHandler
type PubSubHandler = webhooks.PubSubHandler

type Delivery = webhooks.Delivery
type ProcessRequest = webhooks.ProcessRequest
type ProcessResult = webhooks.ProcessResult
type RegisterReturn = webhooks.RegisterReturn

func DefaultConfig() Config {
	return core.DefaultConfig()
}

// LoadConfig layers defaults < loader < runtime and validates the result.
func LoadConfig(ctx context.Context, loader core.RawConfigLoader, runtime Config) (Config, error) {
	return core.LoadConfig(ctx, core.NewCfgxConfigProvider(loader), core.GoOptionsResolver{}, runtime)
}
