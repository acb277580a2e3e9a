// Package knowledge stores small facts agents share with each other, keyed
// per target agent. Entries expire; this is a cache, not a system of record.
package knowledge

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the entry is missing or expired.
var ErrNotFound = errors.New("knowledge entry not found")

// Cache defines the cross-agent knowledge fabric.
type Cache interface {
	Save(ctx context.Context, targetAgent, key string, value []byte) error
	Get(ctx context.Context, targetAgent, key string) ([]byte, error)
	ListKeys(ctx context.Context, targetAgent string) ([]string, error)
	Close() error
}
