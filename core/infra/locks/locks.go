package locks

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Mode controls whether a lock is shared or exclusive.
type Mode string

const (
	ModeExclusive Mode = "exclusive"
	ModeShared    Mode = "shared"
)

// ParseMode converts a raw string into a Mode, rejecting unknown values.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeExclusive:
		return ModeExclusive, nil
	case ModeShared:
		return ModeShared, nil
	}
	return "", fmt.Errorf("unknown lock mode %q", raw)
}

// Valid reports whether the mode is one of the known variants.
func (m Mode) Valid() bool {
	return m == ModeExclusive || m == ModeShared
}

// Lock is one agent's claim on one resource. A zero ExpiresAt means the
// lease never expires; the default acquisition path always sets one.
type Lock struct {
	Resource  string    `json:"resource"`
	Agent     string    `json:"agent"`
	Mode      Mode      `json:"mode"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the lease deadline has passed. Locks without a
// deadline never expire.
func (l Lock) Expired(now time.Time) bool {
	if l.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(l.ExpiresAt)
}

// Store is the durable, cross-process source of truth for active locks.
// Implementations guarantee row-level atomicity only; the coordinator never
// assumes cross-row transactions.
type Store interface {
	// Save upserts the row for (lock.Resource, lock.Agent). Idempotent.
	Save(ctx context.Context, lock Lock) error
	// Release deletes the row for (resource, agent) and reports whether
	// anything was deleted.
	Release(ctx context.Context, resource, agent string) (bool, error)
	// ReleaseAll deletes every row held by agent and returns the count.
	ReleaseAll(ctx context.Context, agent string) (int, error)
	// ListActive returns all unexpired rows, filtered by resource when the
	// argument is non-empty.
	ListActive(ctx context.Context, resource string) ([]Lock, error)
	// CleanupExpired removes every row past its lease deadline.
	CleanupExpired(ctx context.Context) error
}
