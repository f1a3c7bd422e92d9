package cache_test

import (
	"testing"
	"time"

	"github.com/tripwire/sentineld/internal/cache"
	"github.com/tripwire/sentineld/internal/image"
)

func TestHashCacheGetPut(t *testing.T) {
	c, err := cache.NewHashCache(2)
	if err != nil {
		t.Fatalf("NewHashCache: %v", err)
	}

	key := cache.KeyForStat(image.Stat{Dev: 1, Ino: 2, Mtime: time.Unix(10, 0)})
	if _, ok := c.Get(key); ok {
		t.Fatal("expected cold miss")
	}

	hashes := image.HashSet{"sha256": []byte{1, 2, 3}}
	c.Put(key, hashes)

	got, ok := c.Get(key)
	if !ok {
		t.Fatal("expected hit after Put")
	}
	if string(got["sha256"]) != string(hashes["sha256"]) {
		t.Fatal("cached hashes mismatch")
	}
}

func TestHashCacheEvictsLRU(t *testing.T) {
	c, _ := cache.NewHashCache(1)
	k1 := cache.HashKey{Dev: 1, Ino: 1}
	k2 := cache.HashKey{Dev: 1, Ino: 2}

	c.Put(k1, image.HashSet{"sha256": []byte{1}})
	c.Put(k2, image.HashSet{"sha256": []byte{2}})

	if _, ok := c.Get(k1); ok {
		t.Fatal("expected k1 to be evicted once capacity exceeded")
	}
	if _, ok := c.Get(k2); !ok {
		t.Fatal("expected k2 to remain cached")
	}
}

func TestSigCacheDistinguishesOOMFromColdMiss(t *testing.T) {
	c, err := cache.NewSigCache(4)
	if err != nil {
		t.Fatalf("NewSigCache: %v", err)
	}

	key := cache.KeyForHashes(image.HashSet{"sha256": []byte{9, 9}})
	if _, ok := c.Get(key); ok {
		t.Fatal("expected cold miss")
	}

	c.Put(key, cache.SigEntry{OOM: true})
	entry, ok := c.Get(key)
	if !ok {
		t.Fatal("expected entry present after Put")
	}
	if !entry.OOM || entry.Sig != nil {
		t.Fatal("expected OOM entry with nil signature")
	}
}

func TestKeyForHashesPrefersSHA256(t *testing.T) {
	hashes := image.HashSet{
		"md5":    []byte{1},
		"sha256": []byte{2},
	}
	key := cache.KeyForHashes(hashes)
	if key == "" {
		t.Fatal("expected non-empty key")
	}
	if key != cache.KeyForHashes(image.HashSet{"sha256": []byte{2}}) {
		t.Fatal("expected sha256-only key to match the preferred branch")
	}
}
