package acquire_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tripwire/sentineld/internal/acquire"
	"github.com/tripwire/sentineld/internal/cache"
	"github.com/tripwire/sentineld/internal/config"
	"github.com/tripwire/sentineld/internal/image"
)

func newPipeline(t *testing.T, cfg config.EngineConfig) *acquire.Pipeline {
	t.Helper()
	hc, err := cache.NewHashCache(cfg.HashCacheSize)
	if err != nil {
		t.Fatalf("NewHashCache: %v", err)
	}
	sc, err := cache.NewSigCache(cfg.SigCacheSize)
	if err != nil {
		t.Fatalf("NewSigCache: %v", err)
	}
	p, err := acquire.New(cfg, hc, sc, nil)
	if err != nil {
		t.Fatalf("acquire.New: %v", err)
	}
	return p
}

func baseConfig() config.EngineConfig {
	return config.EngineConfig{
		KextLevel:               "codesign",
		HashAlgorithms:          []string{"sha256"},
		LargeFileThresholdBytes: 1 << 20,
		HashCacheSize:           64,
		SigCacheSize:            64,
		VerifySignatures:        true,
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestAcquireComputesHashesAndSignature(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bin", "hello world")

	img, err := image.New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer img.Unref()
	if err := img.Open(nil); err != nil {
		t.Fatalf("Open: %v", err)
	}

	p := newPipeline(t, baseConfig())
	if err := p.Acquire(img, false); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if !img.Flags.Has(image.FlagHashes) {
		t.Error("expected FlagHashes to be set")
	}
	if !img.Flags.Has(image.FlagDone) {
		t.Error("expected FlagDone to be set")
	}
	if len(img.Hashes["sha256"]) == 0 {
		t.Error("expected a non-empty sha256 digest")
	}
	if img.Codesign == nil {
		t.Error("expected a signature result (even if unsigned) with VerifySignatures enabled")
	}
}

func TestAcquireKernDefersBelowHashLevel(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bin", "payload")

	img, _ := image.New(path)
	defer img.Unref()
	if err := img.Open(nil); err != nil {
		t.Fatalf("Open: %v", err)
	}

	cfg := baseConfig()
	cfg.KextLevel = "stat"
	p := newPipeline(t, cfg)

	if err := p.Acquire(img, true); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if img.Flags.Has(image.FlagDone) {
		t.Error("expected acquisition to be deferred, not completed, at kext-level stat")
	}
	if img.Flags.Has(image.FlagHashes) {
		t.Error("expected no hashes computed at kext-level stat")
	}
}

func TestAcquireDefersLargeFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bin", "x")

	img, _ := image.New(path)
	defer img.Unref()
	if err := img.Open(nil); err != nil {
		t.Fatalf("Open: %v", err)
	}

	cfg := baseConfig()
	cfg.LargeFileThresholdBytes = 0 // everything is "large"
	p := newPipeline(t, cfg)

	if err := p.Acquire(img, true); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if img.Flags.Has(image.FlagDone) {
		t.Error("expected large-file acquisition to be deferred under kern=true")
	}
}

func TestAcquireDetectsMovingTargetOnSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bin", "original-content")

	img, _ := image.New(path)
	defer img.Unref()
	if err := img.Open(nil); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// File grows after the first stat but before hashing completes.
	if err := os.WriteFile(path, []byte("this content is now a different, longer length"), 0o755); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	p := newPipeline(t, baseConfig())
	if err := p.Acquire(img, false); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if img.Flags.Has(image.FlagHashes) {
		t.Error("expected hashes to be discarded on moving-target detection")
	}
	if !img.Flags.Has(image.FlagDone) {
		t.Error("expected image to still be marked DONE after a moving-target abort")
	}
	if img.Codesign != nil {
		t.Error("expected code-signing to be skipped after a moving-target abort")
	}
}

func TestAcquireSkipsSignatureForShebang(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "script.sh", "#!/bin/sh\necho hi\n")

	img, _ := image.New(path)
	defer img.Unref()
	if err := img.Open(nil); err != nil {
		t.Fatalf("Open: %v", err)
	}

	p := newPipeline(t, baseConfig())
	if err := p.Acquire(img, false); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if img.Codesign != nil {
		t.Error("expected no signature for a shebang script")
	}
	if !img.Flags.Has(image.FlagDone) {
		t.Error("expected FlagDone to be set")
	}
}

func TestAcquireRequiresPriorOpen(t *testing.T) {
	img, _ := image.New("/usr/bin/never-opened")
	defer img.Unref()

	p := newPipeline(t, baseConfig())
	if err := p.Acquire(img, false); err == nil {
		t.Fatal("expected an error for an image that was never opened")
	}
}

func TestAcquireHashCacheHit(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bin", "cached content")

	img, _ := image.New(path)
	defer img.Unref()
	if err := img.Open(nil); err != nil {
		t.Fatalf("Open: %v", err)
	}

	cfg := baseConfig()
	cfg.VerifySignatures = false
	hc, err := cache.NewHashCache(cfg.HashCacheSize)
	if err != nil {
		t.Fatalf("NewHashCache: %v", err)
	}
	precomputed := image.HashSet{"sha256": []byte("precomputed-digest")}
	hc.Put(cache.KeyForStat(img.Stat), precomputed)

	sc, _ := cache.NewSigCache(cfg.SigCacheSize)
	p, err := acquire.New(cfg, hc, sc, nil)
	if err != nil {
		t.Fatalf("acquire.New: %v", err)
	}

	if err := p.Acquire(img, false); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if string(img.Hashes["sha256"]) != string(precomputed["sha256"]) {
		t.Error("expected the cached digest to be adopted instead of recomputed")
	}
}

func TestAcquireIsIdempotentWhenAlreadyDone(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bin", "data")

	img, _ := image.New(path)
	defer img.Unref()
	if err := img.Open(nil); err != nil {
		t.Fatalf("Open: %v", err)
	}

	p := newPipeline(t, baseConfig())
	if err := p.Acquire(img, false); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	hashesBefore := img.Hashes
	if err := p.Acquire(img, false); err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if &img.Hashes == nil || len(img.Hashes) != len(hashesBefore) {
		t.Error("expected second Acquire to be a no-op")
	}
}

func TestSignerErrorMarksENOMEM(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bin", "data")

	img, _ := image.New(path)
	defer img.Unref()
	if err := img.Open(nil); err != nil {
		t.Fatalf("Open: %v", err)
	}

	cfg := baseConfig()
	hc, _ := cache.NewHashCache(cfg.HashCacheSize)
	sc, _ := cache.NewSigCache(cfg.SigCacheSize)
	failingSigner := acquire.SignerFunc(func(string, image.HashSet) (*image.Signature, error) {
		return nil, errors.New("signer unavailable")
	})
	p, err := acquire.New(cfg, hc, sc, failingSigner)
	if err != nil {
		t.Fatalf("acquire.New: %v", err)
	}

	if err := p.Acquire(img, false); err == nil {
		t.Fatal("expected an error from the failing signer")
	}
	if !img.Flags.Has(image.FlagEnomem) {
		t.Error("expected FlagEnomem to be set after a signer failure")
	}
}
