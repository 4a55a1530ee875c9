package resource

import (
	"context"
	"fmt"

	"github.com/pitabwire/procura/internal/definition"
	"github.com/pitabwire/procura/internal/notify"
	"github.com/pitabwire/procura/model"
)

// WebhooksResource is the definition name the webhook dispatcher reads its
// subscriptions from.
const WebhooksResource = "webhooks"

// endpointBatch bounds one ActiveEndpoints scan.
const endpointBatch = 500

// Endpoints serves the webhooks resource to the notify dispatcher.
type Endpoints struct {
	registry *definition.Registry
	store    Store
}

// NewEndpoints creates an EndpointSource over the webhooks resource.
func NewEndpoints(registry *definition.Registry, store Store) *Endpoints {
	return &Endpoints{registry: registry, store: store}
}

var _ notify.EndpointSource = (*Endpoints)(nil)

// ActiveEndpoints returns the active webhooks of orgID. Without a webhooks
// definition there are no endpoints.
func (e *Endpoints) ActiveEndpoints(ctx context.Context, orgID string) ([]notify.Endpoint, error) {
	def, ok := e.registry.Get(WebhooksResource)
	if !ok {
		return nil, nil
	}

	var out []notify.Endpoint
	for offset := 0; ; offset += endpointBatch {
		recs, total, err := e.store.List(ctx, def, orgID, model.RecordQuery{
			Filters: map[string]any{"active": true},
			Limit:   endpointBatch,
			Offset:  offset,
		})
		if err != nil {
			return nil, fmt.Errorf("list webhooks: %w", err)
		}
		for _, rec := range recs {
			ep := notify.Endpoint{ID: rec.ID}
			ep.URL, _ = rec.Attributes["url"].(string)
			ep.Secret, _ = rec.Attributes["secret"].(string)
			ep.Events, _ = rec.Attributes["events"].([]string)
			if ep.URL == "" {
				continue
			}
			out = append(out, ep)
		}
		if offset+len(recs) >= total || len(recs) == 0 {
			return out, nil
		}
	}
}
