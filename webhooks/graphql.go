package webhooks

import (
	"encoding/json"
	"fmt"
	"strings"
)

const subscriptionsPageSize = 250

const listSubscriptionsQuery = `query shopifyApiReadWebhookSubscriptions($first: Int!, $endCursor: String) {
  webhookSubscriptions(first: $first, after: $endCursor) {
    edges {
      node {
        id
        topic
        includeFields
        metafieldNamespaces
        filter
        endpoint {
          __typename
          ... on WebhookHttpEndpoint {
            callbackUrl
          }
          ... on WebhookEventBridgeEndpoint {
            arn
          }
          ... on WebhookPubSubEndpoint {
            pubSubProject
            pubSubTopic
          }
        }
      }
    }
    pageInfo {
      endCursor
      hasNextPage
    }
  }
}`

const deleteSubscriptionMutation = `mutation webhookSubscriptionDelete($id: ID!) {
  webhookSubscriptionDelete(id: $id) {
    deletedWebhookSubscriptionId
    userErrors {
      field
      message
    }
  }
}`

const createMutationTemplate = `mutation %[1]s($topic: WebhookSubscriptionTopic!, $webhookSubscription: %[2]s!) {
  %[1]s(topic: $topic, webhookSubscription: $webhookSubscription) {
    webhookSubscription {
      id
    }
    userErrors {
      field
      message
    }
  }
}`

const updateMutationTemplate = `mutation %[1]s($id: ID!, $webhookSubscription: %[2]s!) {
  %[1]s(id: $id, webhookSubscription: $webhookSubscription) {
    webhookSubscription {
      id
    }
    userErrors {
      field
      message
    }
  }
}`

// Subscription is a webhook subscription as the platform reports it.
type Subscription struct {
	ID             string
	Topic          string
	DeliveryMethod DeliveryMethod
	Address        string
	Options        SubscriptionOptions
}

type subscriptionsPayload struct {
	WebhookSubscriptions struct {
		Edges []struct {
			Node subscriptionNode `json:"node"`
		} `json:"edges"`
		PageInfo struct {
			EndCursor   *string `json:"endCursor"`
			HasNextPage bool    `json:"hasNextPage"`
		} `json:"pageInfo"`
	} `json:"webhookSubscriptions"`
}

type subscriptionNode struct {
	ID                  string   `json:"id"`
	Topic               string   `json:"topic"`
	IncludeFields       []string `json:"includeFields"`
	MetafieldNamespaces []string `json:"metafieldNamespaces"`
	Filter              *string  `json:"filter"`
	Endpoint            struct {
		Typename      string `json:"__typename"`
		CallbackURL   string `json:"callbackUrl"`
		ARN           string `json:"arn"`
		PubSubProject string `json:"pubSubProject"`
		PubSubTopic   string `json:"pubSubTopic"`
	} `json:"endpoint"`
}

func (n subscriptionNode) toSubscription() (Subscription, bool) {
	sub := Subscription{
		ID:    strings.TrimSpace(n.ID),
		Topic: NormalizeTopic(n.Topic),
		Options: SubscriptionOptions{
			IncludeFields:       n.IncludeFields,
			MetafieldNamespaces: n.MetafieldNamespaces,
		}.normalized(),
	}
	if n.Filter != nil {
		sub.Options.Filter = strings.TrimSpace(*n.Filter)
	}
	switch n.Endpoint.Typename {
	case "WebhookHttpEndpoint":
		sub.DeliveryMethod = DeliveryMethodHTTP
		sub.Address = strings.TrimSpace(n.Endpoint.CallbackURL)
	case "WebhookEventBridgeEndpoint":
		sub.DeliveryMethod = DeliveryMethodEventBridge
		sub.Address = strings.TrimSpace(n.Endpoint.ARN)
	case "WebhookPubSubEndpoint":
		sub.DeliveryMethod = DeliveryMethodPubSub
		sub.Address = pubSubAddress(n.Endpoint.PubSubProject, n.Endpoint.PubSubTopic)
	default:
		return Subscription{}, false
	}
	return sub, sub.ID != "" && sub.Topic != ""
}

type userError struct {
	Field   []string `json:"field"`
	Message string   `json:"message"`
}

type mutationPayload struct {
	WebhookSubscription *struct {
		ID string `json:"id"`
	} `json:"webhookSubscription"`
	DeletedWebhookSubscriptionID string      `json:"deletedWebhookSubscriptionId"`
	UserErrors                   []userError `json:"userErrors"`
}

func (p mutationPayload) subscriptionID() string {
	if p.WebhookSubscription != nil {
		return p.WebhookSubscription.ID
	}
	return p.DeletedWebhookSubscriptionID
}

func (p mutationPayload) userErrorMessage() string {
	messages := make([]string, 0, len(p.UserErrors))
	for _, item := range p.UserErrors {
		if len(item.Field) > 0 {
			messages = append(messages, strings.Join(item.Field, ".")+": "+item.Message)
			continue
		}
		messages = append(messages, item.Message)
	}
	return strings.Join(messages, "; ")
}

func decodeMutationPayload(data json.RawMessage, mutation string) (mutationPayload, error) {
	envelope := map[string]json.RawMessage{}
	if len(data) == 0 {
		return mutationPayload{}, fmt.Errorf("webhooks: %s returned no data", mutation)
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return mutationPayload{}, fmt.Errorf("webhooks: decode %s response: %w", mutation, err)
	}
	raw, ok := envelope[mutation]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return mutationPayload{}, fmt.Errorf("webhooks: %s missing from response", mutation)
	}
	var payload mutationPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return mutationPayload{}, fmt.Errorf("webhooks: decode %s payload: %w", mutation, err)
	}
	return payload, nil
}

func mutationName(op Operation, method DeliveryMethod) string {
	if op == OperationDelete {
		return "webhookSubscriptionDelete"
	}
	prefix := "webhookSubscription"
	switch method {
	case DeliveryMethodEventBridge:
		prefix = "eventBridgeWebhookSubscription"
	case DeliveryMethodPubSub:
		prefix = "pubSubWebhookSubscription"
	}
	if op == OperationUpdate {
		return prefix + "Update"
	}
	return prefix + "Create"
}

func mutationDocument(op Operation, method DeliveryMethod) string {
	if op == OperationDelete {
		return deleteSubscriptionMutation
	}
	inputType := "WebhookSubscriptionInput"
	switch method {
	case DeliveryMethodEventBridge:
		inputType = "EventBridgeWebhookSubscriptionInput"
	case DeliveryMethodPubSub:
		inputType = "PubSubWebhookSubscriptionInput"
	}
	template := createMutationTemplate
	if op == OperationUpdate {
		template = updateMutationTemplate
	}
	return fmt.Sprintf(template, mutationName(op, method), inputType)
}

func subscriptionInput(handler HandlerDefinition, address string) map[string]any {
	input := map[string]any{"format": "JSON"}
	switch typed := handler.(type) {
	case HTTPHandler:
		input["callbackUrl"] = address
	case EventBridgeHandler:
		input["arn"] = strings.TrimSpace(typed.ARN)
	case PubSubHandler:
		input["pubSubProject"] = strings.TrimSpace(typed.ProjectID)
		input["pubSubTopic"] = strings.TrimSpace(typed.TopicName)
	}
	// Empty values are sent so an update clears options set remotely.
	options := handler.Options()
	input["includeFields"] = options.IncludeFields
	input["metafieldNamespaces"] = options.MetafieldNamespaces
	input["filter"] = options.Filter
	return input
}
