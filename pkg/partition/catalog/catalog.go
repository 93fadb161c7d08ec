// Package catalog shares partition map versions between routers through Redis.
//
// The current snapshot of a collection is stored as JSON under one key. Saves
// are optimistic: a version never overwrites a newer one. Every accepted save
// is announced on a channel so other processes can reload.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/nimburion/docroute/pkg/observability/logger"
	"github.com/nimburion/docroute/pkg/partition"
	"github.com/nimburion/docroute/pkg/store/redis"
)

// ErrStale is returned by Save when the catalog already holds the same or a
// newer version.
var ErrStale = errors.New("partition map version is stale")

// Catalog persists partition maps for one collection.
type Catalog struct {
	kv         *redis.Adapter
	collection string
	log        logger.Logger
}

// New creates a catalog for a collection.
func New(kv *redis.Adapter, collection string, log logger.Logger) *Catalog {
	if log == nil {
		log = logger.Nop()
	}
	return &Catalog{kv: kv, collection: collection, log: log.With("collection", collection)}
}

func (c *Catalog) key() string {
	return "docroute:partitions:" + c.collection
}

func (c *Catalog) channel() string {
	return "docroute:partitions:" + c.collection + ":events"
}

// Save stores snap if it is newer than the stored version.
func (c *Catalog) Save(ctx context.Context, snap *partition.Snapshot) error {
	raw, err := json.Marshal(snap.Data())
	if err != nil {
		return fmt.Errorf("encode partition map: %w", err)
	}
	err = c.kv.Update(ctx, c.key(), func(current string, exists bool) (string, error) {
		if !exists {
			return string(raw), nil
		}
		var stored partition.SnapshotData
		if err := json.Unmarshal([]byte(current), &stored); err != nil {
			return "", fmt.Errorf("decode stored partition map: %w", err)
		}
		if stored.Version >= snap.Version() {
			return "", fmt.Errorf("%w: stored %d, saving %d", ErrStale, stored.Version, snap.Version())
		}
		return string(raw), nil
	})
	if err != nil {
		return err
	}
	c.log.Info("partition map saved", "version", snap.Version(), "partitions", snap.Len())
	return c.kv.Publish(ctx, c.channel(), strconv.FormatUint(snap.Version(), 10))
}

// Load returns the stored snapshot. It returns redis.ErrKeyNotFound when the
// collection has no catalog entry yet.
func (c *Catalog) Load(ctx context.Context) (*partition.Snapshot, error) {
	raw, err := c.kv.Get(ctx, c.key())
	if err != nil {
		return nil, err
	}
	var data partition.SnapshotData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("decode partition map: %w", err)
	}
	return partition.NewSnapshot(data)
}

// LoadOrCreate restores the stored map, or creates one with n partitions and
// saves it when the catalog is empty.
func (c *Catalog) LoadOrCreate(ctx context.Context, n int, opts ...partition.Option) (*partition.Map, error) {
	snap, err := c.Load(ctx)
	if err == nil {
		c.log.Info("partition map restored", "version", snap.Version(), "partitions", snap.Len())
		return partition.Restore(snap, append(opts, partition.WithSplitHook(c.SplitHook(ctx)))...), nil
	}
	if !errors.Is(err, redis.ErrKeyNotFound) {
		return nil, err
	}
	pm, err := partition.NewMap(n, append(opts, partition.WithSplitHook(c.SplitHook(ctx)))...)
	if err != nil {
		return nil, err
	}
	if err := c.Save(ctx, pm.Snapshot()); err != nil && !errors.Is(err, ErrStale) {
		return nil, err
	}
	return pm, nil
}

// SplitHook returns a partition.SplitHook that saves every new version.
// Failures are logged; the in-process map stays authoritative.
func (c *Catalog) SplitHook(ctx context.Context) partition.SplitHook {
	return func(parent partition.ID, left, right partition.Entry, snap *partition.Snapshot) {
		if err := c.Save(context.WithoutCancel(ctx), snap); err != nil {
			c.log.Warn("failed to save partition map after split",
				"parent", parent, "left", left.ID, "right", right.ID, "error", err)
		}
	}
}

// Watch calls fn with every newer snapshot announced by other processes until
// ctx is done.
func (c *Catalog) Watch(ctx context.Context, fn func(*partition.Snapshot)) error {
	var seen uint64
	return c.kv.Subscribe(ctx, c.channel(), func(message string) {
		version, err := strconv.ParseUint(message, 10, 64)
		if err != nil || version <= seen {
			return
		}
		snap, err := c.Load(ctx)
		if err != nil {
			c.log.Warn("failed to reload partition map", "version", version, "error", err)
			return
		}
		seen = snap.Version()
		fn(snap)
	})
}
