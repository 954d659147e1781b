// Package tier implements the four memory tiers. Each tier exclusively
// owns its backing adapters and adds domain logic on top of the uniform
// storage contract; backend failures surface as typed storage errors and
// are never silently swallowed.
package tier

import (
	"context"
	"time"

	"github.com/antoniostano/mnemo/internal/observability"
	"github.com/antoniostano/mnemo/internal/storage"
)

// Tier is the contract shared by all four memory layers. Concrete tiers
// add typed domain operations beside it.
type Tier interface {
	Name() string
	Store(ctx context.Context, payload []byte) (string, error)
	Retrieve(ctx context.Context, id string) (storage.Record, error)
	Query(ctx context.Context, q storage.Query) ([]storage.Record, error)
	Delete(ctx context.Context, id string) (bool, error)
	HealthCheck(ctx context.Context) storage.Health
	Metrics() storage.Metrics
}

// base carries the pieces every tier shares.
type base struct {
	name    string
	metrics *observability.Metrics
	now     func() time.Time
}

func newBase(name string, metrics *observability.Metrics) base {
	return base{
		name:    name,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (b *base) Name() string { return b.name }

// observe times one tier operation; nil metrics means no-op (tests).
func (b *base) observe(op string, start time.Time) {
	if b.metrics != nil {
		b.metrics.ObserveTierOp(b.name, op, time.Since(start))
	}
}
