package prequeue_test

import (
	"testing"

	"github.com/tripwire/sentineld/internal/image"
	"github.com/tripwire/sentineld/internal/prequeue"
)

func byPath(path string) prequeue.Match {
	return func(img *image.Image) bool { return img.Path == path }
}

func TestAppendAndLookupFIFOMatch(t *testing.T) {
	q := prequeue.New(16)

	a, _ := image.New("/usr/bin/a")
	b, _ := image.New("/usr/bin/b")
	q.Append(a)
	q.Append(b)

	if got := q.Size(); got != 2 {
		t.Fatalf("Size = %d, want 2", got)
	}

	found := q.Lookup(byPath("/usr/bin/b"))
	if found == nil || found.Path != "/usr/bin/b" {
		t.Fatalf("Lookup did not return the matching image")
	}
	if got := q.Size(); got != 1 {
		t.Fatalf("Size after Lookup = %d, want 1", got)
	}

	// The skipped-but-not-matched node (a) is still in the queue.
	still := q.Lookup(byPath("/usr/bin/a"))
	if still == nil {
		t.Fatal("expected a to still be queued and matchable")
	}
}

func TestLookupMissReturnsNilAndIncrementsSkipped(t *testing.T) {
	q := prequeue.New(16)
	img, _ := image.New("/usr/bin/c")
	q.Append(img)

	found := q.Lookup(byPath("/does/not/exist"))
	if found != nil {
		t.Fatal("expected no match")
	}
	if q.Skipped != 1 {
		t.Fatalf("Skipped = %d, want 1", q.Skipped)
	}
	if q.Size() != 1 {
		t.Fatal("non-matching node must remain queued")
	}

	q.Drain()
}

func TestLookupEvictsNodePastMaxTTL(t *testing.T) {
	q := prequeue.New(2)
	img, _ := image.New("/usr/bin/stale")
	q.Append(img)

	// Two misses bring PQTTL to 2, reaching maxTTL and evicting the node.
	q.Lookup(byPath("/nope"))
	q.Lookup(byPath("/nope"))

	if q.Size() != 0 {
		t.Fatalf("Size = %d, want 0 after TTL eviction", q.Size())
	}
	if q.Evicted != 1 {
		t.Fatalf("Evicted = %d, want 1", q.Evicted)
	}
}

func TestDrainReleasesAllQueuedImages(t *testing.T) {
	q := prequeue.New(16)
	q.Append(mustNew(t, "/a"))
	q.Append(mustNew(t, "/b"))
	q.Append(mustNew(t, "/c"))

	n := q.Drain()
	if n != 3 {
		t.Fatalf("Drain returned %d, want 3", n)
	}
	if q.Size() != 0 {
		t.Fatal("queue should be empty after Drain")
	}
}

func mustNew(t *testing.T, path string) *image.Image {
	t.Helper()
	img, err := image.New(path)
	if err != nil {
		t.Fatalf("image.New(%q): %v", path, err)
	}
	return img
}
