// Package staleness decides whether a cached collection is trustworthy or a
// network refresh should be preferred.
//
// Staleness only ever gates reads. Writes are accepted locally regardless of
// cache age, online or offline.
package staleness

import "time"

// DefaultTTL is how long a synced collection is trusted before a read
// prefers a network refresh.
const DefaultTTL = 5 * time.Minute

// Policy holds the TTLs used by the read path.
type Policy struct {
	// TTL applies to tables without an override.
	TTL time.Duration

	// PerTable overrides the TTL for specific tables.
	PerTable map[string]time.Duration
}

// NewPolicy returns a policy with the default TTL.
func NewPolicy() Policy {
	return Policy{TTL: DefaultTTL}
}

// IsStale reports whether a collection last synced at lastSyncedAt should be
// refreshed. A nil lastSyncedAt (never synced) is always stale.
func IsStale(lastSyncedAt *time.Time, now time.Time, ttl time.Duration) bool {
	if lastSyncedAt == nil {
		return true
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return now.Sub(*lastSyncedAt) >= ttl
}

// TableTTL returns the TTL in effect for a table.
func (p Policy) TableTTL(table string) time.Duration {
	if ttl, ok := p.PerTable[table]; ok && ttl > 0 {
		return ttl
	}
	if p.TTL > 0 {
		return p.TTL
	}
	return DefaultTTL
}

// IsStale applies the policy to one table.
func (p Policy) IsStale(table string, lastSyncedAt *time.Time, now time.Time) bool {
	return IsStale(lastSyncedAt, now, p.TableTTL(table))
}
