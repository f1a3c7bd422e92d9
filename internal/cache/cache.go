// Package cache implements the hash-cache and signature-cache contracts
// consumed by the acquisition pipeline (spec §6): bounded key→value stores
// keyed on file identity, backed by an LRU eviction policy.
package cache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tripwire/sentineld/internal/image"
)

// HashKey identifies a file's content for the purpose of hash-cache
// lookup: (dev, ino, mtime, ctime, btime). Two opens of the same inode
// with identical timestamps are assumed to carry identical content.
type HashKey struct {
	Dev, Ino           uint64
	Mtime, Ctime, Btime int64 // UnixNano
}

// KeyForStat builds a HashKey from an image.Stat.
func KeyForStat(s image.Stat) HashKey {
	return HashKey{
		Dev:   s.Dev,
		Ino:   s.Ino,
		Mtime: s.Mtime.UnixNano(),
		Ctime: s.Ctime.UnixNano(),
		Btime: s.Btime.UnixNano(),
	}
}

// HashCache implements the §6 hash_get/hash_put contract.
type HashCache struct {
	lru *lru.Cache[HashKey, image.HashSet]
}

// NewHashCache constructs a HashCache bounded to size entries.
func NewHashCache(size int) (*HashCache, error) {
	if size <= 0 {
		size = 1
	}
	c, err := lru.New[HashKey, image.HashSet](size)
	if err != nil {
		return nil, fmt.Errorf("cache: new hash cache: %w", err)
	}
	return &HashCache{lru: c}, nil
}

// Get returns the cached hash set for key, if present.
func (c *HashCache) Get(key HashKey) (image.HashSet, bool) {
	return c.lru.Get(key)
}

// Put installs hashes for key, evicting the least-recently-used entry if
// the cache is full.
func (c *HashCache) Put(key HashKey, hashes image.HashSet) {
	c.lru.Add(key, hashes)
}

// Len reports the number of cached entries.
func (c *HashCache) Len() int { return c.lru.Len() }

// SigKey identifies the hash set a code-signature result was computed
// for (the §6 csig_get contract is keyed on hashes, not file identity,
// because a signature depends only on content).
type SigKey string

// KeyForHashes derives a stable cache key from a hash set, preferring
// sha256 when present.
func KeyForHashes(hashes image.HashSet) SigKey {
	if h, ok := hashes["sha256"]; ok {
		return SigKey(fmt.Sprintf("sha256:%x", h))
	}
	for alg, h := range hashes {
		return SigKey(fmt.Sprintf("%s:%x", alg, h))
	}
	return ""
}

// SigCache implements the §6 csig_get/csig_put contract. A cached entry
// with OOM set to true records that computing the signature previously
// failed due to allocation failure, distinguished from a cold miss.
type SigCache struct {
	lru *lru.Cache[SigKey, SigEntry]
}

// SigEntry is the value stored per signature-cache key.
type SigEntry struct {
	Sig *image.Signature
	OOM bool
}

// NewSigCache constructs a SigCache bounded to size entries.
func NewSigCache(size int) (*SigCache, error) {
	if size <= 0 {
		size = 1
	}
	c, err := lru.New[SigKey, SigEntry](size)
	if err != nil {
		return nil, fmt.Errorf("cache: new signature cache: %w", err)
	}
	return &SigCache{lru: c}, nil
}

// Get returns the cached signature entry for key, if present.
func (c *SigCache) Get(key SigKey) (SigEntry, bool) {
	return c.lru.Get(key)
}

// Put installs entry for key.
func (c *SigCache) Put(key SigKey, entry SigEntry) {
	c.lru.Add(key, entry)
}

// Len reports the number of cached entries.
func (c *SigCache) Len() int { return c.lru.Len() }
