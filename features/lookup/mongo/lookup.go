// Package mongo resolves externalLookup context variables from tenant-scoped
// values stored in MongoDB.
package mongo

import (
	"context"
	"errors"

	clientsmongo "github.com/BlocUnited-LLC/mozaiks-ai-sub005/features/lookup/mongo/clients/mongo"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/contextvars"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/workflow"
)

// Lookup implements contextvars.Lookup by delegating to the Mongo client. The
// variable key defaults to the variable name. Missing values resolve to the
// variable default when one is declared.
type Lookup struct {
	client clientsmongo.Client
}

var _ contextvars.Lookup = (*Lookup)(nil)

// NewLookup returns a Lookup reading from client.
func NewLookup(client clientsmongo.Client) (*Lookup, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Lookup{client: client}, nil
}

// NewLookupFromMongo instantiates the underlying client using opts.
func NewLookupFromMongo(opts clientsmongo.Options) (*Lookup, error) {
	client, err := clientsmongo.New(opts)
	if err != nil {
		return nil, err
	}
	return NewLookup(client)
}

// Name implements health.Pinger.
func (l *Lookup) Name() string { return l.client.Name() }

// Ping implements health.Pinger.
func (l *Lookup) Ping(ctx context.Context) error { return l.client.Ping(ctx) }

// Fetch implements contextvars.Lookup.
func (l *Lookup) Fetch(ctx context.Context, spec workflow.VariableSpec, tenantID string) (any, error) {
	key := spec.Key
	if key == "" {
		key = spec.Name
	}
	v, err := l.client.Fetch(ctx, tenantID, key)
	if errors.Is(err, clientsmongo.ErrNotFound) && spec.Default != nil {
		return spec.Default, nil
	}
	return v, err
}
