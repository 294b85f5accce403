package locks

import (
	"context"
	"time"
)

// Lease is an exclusive, owner-tagged lock that expires after its TTL.
type Lease struct {
	Resource  string
	Owner     string
	ExpiresAt time.Time
}

// Store grants leases. Acquire returns ok=false when another owner holds
// the resource.
type Store interface {
	Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (*Lease, bool, error)
	Release(ctx context.Context, resource, owner string) (bool, error)
	Renew(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
}
