// Package cache shadows the on-disk index with a short-lived, in-memory
// fingerprint of each working file so repeated events skip re-parsing.
package cache

import (
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/objects"
)

const (
	DefaultSize = 4096
	DefaultTTL  = 10 * time.Minute
)

// Fingerprint is what the cache remembers about one file.
type Fingerprint struct {
	Hash     uint64
	Identity objects.Identity
	Found    bool
}

// Fingerprints maps file paths to content hashes and parsed identities. The
// index on disk stays authoritative; entries expire after the TTL.
type Fingerprints struct {
	lru *expirable.LRU[string, Fingerprint]
}

// New creates a cache holding at most size entries for ttl each.
func New(size int, ttl time.Duration) *Fingerprints {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Fingerprints{lru: expirable.NewLRU[string, Fingerprint](size, nil, ttl)}
}

// Identify returns the identity declared in content, reusing the cached parse
// when the content hash for path is unchanged.
func (c *Fingerprints) Identify(path, content string) (objects.Identity, bool) {
	h := xxhash.Sum64String(content)
	if fp, ok := c.lru.Get(path); ok && fp.Hash == h {
		return fp.Identity, fp.Found
	}
	return c.store(path, h, content)
}

// Refresh re-parses content for path unconditionally.
func (c *Fingerprints) Refresh(path, content string) (objects.Identity, bool) {
	return c.store(path, xxhash.Sum64String(content), content)
}

func (c *Fingerprints) store(path string, h uint64, content string) (objects.Identity, bool) {
	id, found := objects.Identify(content)
	c.lru.Add(path, Fingerprint{Hash: h, Identity: id, Found: found})
	return id, found
}

// Lookup returns the cached fingerprint for path without touching its recency.
func (c *Fingerprints) Lookup(path string) (Fingerprint, bool) {
	return c.lru.Peek(path)
}

// FindPath returns a cached path whose identity equals id.
func (c *Fingerprints) FindPath(id objects.Identity) (string, bool) {
	for _, path := range c.lru.Keys() {
		if fp, ok := c.lru.Peek(path); ok && fp.Found && fp.Identity.Equal(id) {
			return path, true
		}
	}
	return "", false
}

// Invalidate forgets path.
func (c *Fingerprints) Invalidate(path string) {
	c.lru.Remove(path)
}

// Purge drops every entry.
func (c *Fingerprints) Purge() {
	c.lru.Purge()
}

// Len reports the number of live entries.
func (c *Fingerprints) Len() int {
	return c.lru.Len()
}
