package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/fileharbor/fileharbor/pkg/permissions"
)

// BadgerCache backs the permission cache with an embedded Badger store, for
// single-node deployments that want the cache to survive process restarts.
// Entries expire via Badger's native TTL.
//
// Badger can only scan by key prefix, and the primary key leads with the
// user id, so resource-scoped eviction keeps a reverse index:
//
//	perm:{user}:{type}:{id} -> PermissionSet JSON
//	rev:{type}:{id}:{user}  -> empty, same TTL
type BadgerCache struct {
	db *badger.DB

	generation atomic.Uint64
	hits       atomic.Uint64
	misses     atomic.Uint64
}

// NewBadgerCache opens (or creates) a Badger store at dir. An empty dir
// opens an in-memory store, used by tests.
func NewBadgerCache(dir string) (*BadgerCache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return &BadgerCache{db: db}, nil
}

func reverseKey(key permissions.Key) []byte {
	return []byte(fmt.Sprintf("rev:%s:%d:%d", key.ResourceType, key.ResourceID, key.UserID))
}

// Get returns the cached set for key, or (nil, nil) on a miss. Badger
// treats expired entries as absent.
func (c *BadgerCache) Get(ctx context.Context, key permissions.Key) (*permissions.PermissionSet, error) {
	var perms permissions.PermissionSet
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key.String()))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &perms)
		})
	})
	if err == badger.ErrKeyNotFound {
		c.misses.Add(1)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("badger get: %w", err)
	}
	c.hits.Add(1)
	return &perms, nil
}

// Set stores perms and its reverse-index entry with the same TTL. Writes
// from a stale generation are dropped; the generation is checked again
// after the transaction commits so an invalidation that bumped and deleted
// inside the check-to-write window cannot be resurrected.
func (c *BadgerCache) Set(ctx context.Context, key permissions.Key, perms permissions.PermissionSet, ttl time.Duration, gen uint64) error {
	if gen < c.generation.Load() {
		return nil
	}
	data, err := json.Marshal(perms)
	if err != nil {
		return fmt.Errorf("marshal permission set: %w", err)
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		if err := txn.SetEntry(badger.NewEntry([]byte(key.String()), data).WithTTL(ttl)); err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry(reverseKey(key), nil).WithTTL(ttl))
	})
	if err != nil {
		return fmt.Errorf("badger set: %w", err)
	}
	if gen < c.generation.Load() {
		err = c.db.Update(func(txn *badger.Txn) error {
			if err := txn.Delete([]byte(key.String())); err != nil {
				return err
			}
			return txn.Delete(reverseKey(key))
		})
		if err != nil {
			return fmt.Errorf("badger delete after stale set: %w", err)
		}
	}
	return nil
}

// Generation returns the current invalidation generation.
func (c *BadgerCache) Generation() uint64 {
	return c.generation.Load()
}

// Invalidate drops a single entry and its reverse-index row.
func (c *BadgerCache) Invalidate(ctx context.Context, key permissions.Key) error {
	c.generation.Add(1)
	err := c.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(key.String())); err != nil {
			return err
		}
		return txn.Delete(reverseKey(key))
	})
	if err != nil {
		return fmt.Errorf("badger delete: %w", err)
	}
	return nil
}

// InvalidateUser drops every entry for a user via the primary prefix.
func (c *BadgerCache) InvalidateUser(ctx context.Context, userID int64) error {
	c.generation.Add(1)
	prefix := []byte(fmt.Sprintf("perm:%d:", userID))
	keys, err := c.keysWithPrefix(prefix)
	if err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
			// Best-effort reverse cleanup; orphaned rows expire on their own.
			if key, ok := parsePrimaryKey(string(k)); ok {
				txn.Delete(reverseKey(key))
			}
		}
		return nil
	})
}

// parsePrimaryKey inverts Key.String: "perm:{user}:{type}:{id}".
func parsePrimaryKey(raw string) (permissions.Key, bool) {
	parts := strings.Split(raw, ":")
	if len(parts) != 4 || parts[0] != "perm" {
		return permissions.Key{}, false
	}
	userID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return permissions.Key{}, false
	}
	resourceType, err := permissions.ParseResourceType(parts[2])
	if err != nil {
		return permissions.Key{}, false
	}
	resourceID, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return permissions.Key{}, false
	}
	return permissions.Key{UserID: userID, ResourceType: resourceType, ResourceID: resourceID}, true
}

// InvalidateResource drops every entry for a resource via the reverse
// index.
func (c *BadgerCache) InvalidateResource(ctx context.Context, resourceType permissions.ResourceType, resourceID int64) error {
	c.generation.Add(1)
	prefix := []byte(fmt.Sprintf("rev:%s:%d:", resourceType, resourceID))
	revKeys, err := c.keysWithPrefix(prefix)
	if err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		for _, rk := range revKeys {
			raw := string(rk)
			userID, err := strconv.ParseInt(raw[strings.LastIndexByte(raw, ':')+1:], 10, 64)
			if err != nil {
				continue
			}
			key := permissions.Key{UserID: userID, ResourceType: resourceType, ResourceID: resourceID}
			if err := txn.Delete([]byte(key.String())); err != nil {
				return err
			}
			if err := txn.Delete(rk); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *BadgerCache) keysWithPrefix(prefix []byte) ([][]byte, error) {
	var keys [][]byte
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger scan: %w", err)
	}
	return keys, nil
}

// PurgeExpired reclaims value-log space from expired entries. Badger
// already hides expired keys from reads, so nothing is counted.
func (c *BadgerCache) PurgeExpired(ctx context.Context) (int, error) {
	err := c.db.RunValueLogGC(0.5)
	if err == badger.ErrNoRewrite || err == badger.ErrRejected {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("badger gc: %w", err)
	}
	return 0, nil
}

// Stats returns hit/miss counters; Entries counts live primary keys.
func (c *BadgerCache) Stats() permissions.Stats {
	entries := 0
	c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte("perm:")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			entries++
		}
		return nil
	})
	return statsFrom(c.hits.Load(), c.misses.Load(), entries)
}

// Close closes the underlying store.
func (c *BadgerCache) Close() error {
	return c.db.Close()
}
