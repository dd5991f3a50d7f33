// Package crosswalk maintains the bijective mapping between local task IDs
// and planner external IDs, plus the ETag each external task was last seen
// with (spec.md §4.3).
package crosswalk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/antigravity-dev/taskbridge/internal/store"
)

// ErrNotFound is returned when a lookup finds no mapping.
var ErrNotFound = errors.New("crosswalk: mapping not found")

// Crosswalk is the ID Crosswalk component.
type Crosswalk struct {
	store store.Store
	keys  store.Keys
}

// New builds a Crosswalk backed by the given store.
func New(s store.Store, keys store.Keys) *Crosswalk {
	return &Crosswalk{store: s, keys: keys}
}

// Create writes the local<->external bijection and the initial ETag in one
// logical multi-write (spec.md §4.3: "on first successful create, write both
// directions and the initial ETag").
func (c *Crosswalk) Create(ctx context.Context, localID, externalID, etag string) error {
	if err := c.store.Set(ctx, c.keys.IDMapLocal(localID), externalID, 0); err != nil {
		return fmt.Errorf("crosswalk: write local->external: %w", err)
	}
	if err := c.store.Set(ctx, c.keys.IDMapExt(externalID), localID, 0); err != nil {
		return fmt.Errorf("crosswalk: write external->local: %w", err)
	}
	if etag != "" {
		if err := c.store.Set(ctx, c.keys.ETag(externalID), etag, 0); err != nil {
			return fmt.Errorf("crosswalk: write etag: %w", err)
		}
	}
	// Track every external ID ever mapped so housekeeping can find
	// entries whose local task was deleted outright, not just ones
	// still reachable through the aggregate mirror (spec.md §4.3).
	if err := c.store.SAdd(ctx, c.keys.CrosswalkRegistry(), externalID, 0); err != nil {
		return fmt.Errorf("crosswalk: register external id: %w", err)
	}
	return nil
}

// Delete removes both directions and the ETag.
func (c *Crosswalk) Delete(ctx context.Context, localID, externalID string) error {
	if err := c.store.Delete(ctx, c.keys.IDMapLocal(localID)); err != nil {
		return err
	}
	if err := c.store.Delete(ctx, c.keys.IDMapExt(externalID)); err != nil {
		return err
	}
	if err := c.store.Delete(ctx, c.keys.ETag(externalID)); err != nil {
		return err
	}
	return c.store.SRem(ctx, c.keys.CrosswalkRegistry(), externalID)
}

// ExternalID resolves a local ID to its external ID.
func (c *Crosswalk) ExternalID(ctx context.Context, localID string) (string, error) {
	return c.lookup(ctx, c.keys.IDMapLocal(localID))
}

// LocalID resolves an external ID to its local ID.
func (c *Crosswalk) LocalID(ctx context.Context, externalID string) (string, error) {
	return c.lookup(ctx, c.keys.IDMapExt(externalID))
}

// lookup tolerates the legacy serialization spec.md §4.3 describes: a raw
// string, or a single-element JSON array (some earlier writer encoded
// values that way). It never writes the legacy shape back; a legacy value
// is rewritten to a plain string on read.
func (c *Crosswalk) lookup(ctx context.Context, key string) (string, error) {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotFound
	}

	value, legacy := decodeLegacy(raw)
	if legacy {
		// Re-normalize so future reads hit the fast path.
		_ = c.store.Set(ctx, key, value, 0)
	}
	return value, nil
}

// decodeLegacy returns (raw, false) for a plain string, or the unwrapped
// element and true if raw is a single-element JSON array.
func decodeLegacy(raw string) (string, bool) {
	if len(raw) == 0 || raw[0] != '[' {
		return raw, false
	}
	var arr []string
	if err := json.Unmarshal([]byte(raw), &arr); err != nil || len(arr) != 1 {
		return raw, false
	}
	return arr[0], true
}

// ETag returns the last-known ETag for an external ID.
func (c *Crosswalk) ETag(ctx context.Context, externalID string) (string, bool, error) {
	return c.store.Get(ctx, c.keys.ETag(externalID))
}

// SetETag updates the stored ETag after a successful write to the planner.
func (c *Crosswalk) SetETag(ctx context.Context, externalID, etag string) error {
	return c.store.Set(ctx, c.keys.ETag(externalID), etag, 0)
}

// Reconciler resolves a missing reverse mapping by re-reading the planner
// directly, per spec.md §4.3's "reconstruction read" behavior.
type Reconciler interface {
	// FetchExternal returns true if externalID still exists on the planner.
	FetchExternal(ctx context.Context, externalID string) (exists bool, err error)
}

// ReconcileMissingLocal handles an update webhook for an externalID with no
// reverse mapping: it asks the Reconciler whether the planner item still
// exists. If the planner has since deleted it, the forward entry is left for
// housekeeping to garbage-collect (spec.md §4.3); this call reports which
// case occurred so the caller can log/metric it.
func (c *Crosswalk) ReconcileMissingLocal(ctx context.Context, externalID string, r Reconciler) (exists bool, err error) {
	return r.FetchExternal(ctx, externalID)
}
