// Package acquire implements the acquisition pipeline (spec component C5):
// staged stat/hash/code-signature computation with cache interposition and
// TOCTOU re-checks bracketing every expensive step.
package acquire

import (
	"crypto/md5"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"

	"github.com/tripwire/sentineld/internal/cache"
	"github.com/tripwire/sentineld/internal/config"
	"github.com/tripwire/sentineld/internal/image"
	"github.com/tripwire/sentineld/internal/osprobe"
)

// Signer computes a code-signature for the file at path, given its already
// -computed content hashes. The signature-verification semantics themselves
// are out of scope (spec.md §1 non-goals); Signer is the seam a concrete
// platform verifier would be wired in behind.
type Signer interface {
	Sign(path string, hashes image.HashSet) (*image.Signature, error)
}

// SignerFunc adapts a function to the Signer interface.
type SignerFunc func(path string, hashes image.HashSet) (*image.Signature, error)

// Sign implements Signer.
func (f SignerFunc) Sign(path string, hashes image.HashSet) (*image.Signature, error) {
	return f(path, hashes)
}

// NoSigner always returns an unsigned result without error; used when no
// platform verifier is configured.
var NoSigner Signer = SignerFunc(func(string, image.HashSet) (*image.Signature, error) {
	return &image.Signature{Valid: false}, nil
})

// Pipeline runs the staged acquisition pipeline described in spec.md §4.5.
type Pipeline struct {
	HashCache *cache.HashCache
	SigCache  *cache.SigCache
	Signer    Signer

	Algorithms         []string
	LargeFileThreshold int64
	KextLevel          config.KextLevel
	VerifySignatures   bool
	RaceAvoidPaths     map[string]struct{}
}

// New constructs a Pipeline from engine config and the shared caches.
func New(cfg config.EngineConfig, hc *cache.HashCache, sc *cache.SigCache, signer Signer) (*Pipeline, error) {
	lvl, ok := (&config.Config{Engine: cfg}).ParsedKextLevel()
	if !ok {
		return nil, fmt.Errorf("acquire: invalid kext level %q", cfg.KextLevel)
	}
	if signer == nil {
		signer = NoSigner
	}
	raceAvoid := make(map[string]struct{}, len(cfg.RaceAvoidPaths))
	for _, p := range cfg.RaceAvoidPaths {
		raceAvoid[p] = struct{}{}
	}
	return &Pipeline{
		HashCache:          hc,
		SigCache:           sc,
		Signer:             signer,
		Algorithms:         cfg.HashAlgorithms,
		LargeFileThreshold: cfg.LargeFileThresholdBytes,
		KextLevel:          lvl,
		VerifySignatures:   cfg.VerifySignatures,
		RaceAvoidPaths:     raceAvoid,
	}, nil
}

// Acquire runs img through the pipeline. kern reports whether the caller is
// still on the kernel-callback thread, which gates how much work is
// performed inline versus deferred to the worker pool (kext-level and
// large-file gating, race-avoidance for code-signing).
//
// Acquire requires img.Open to have already been called (FlagStat or
// FlagAttr set); it never opens the file itself.
func (p *Pipeline) Acquire(img *image.Image, kern bool) error {
	img.Mu.Lock()
	if img.Flags.Has(image.FlagDone) {
		img.Mu.Unlock()
		return nil
	}
	hasStat := img.Flags.Has(image.FlagStat)
	hasAttr := img.Flags.Has(image.FlagAttr)
	shebang := img.Flags.Has(image.FlagShebang)
	st := img.Stat
	img.Mu.Unlock()

	if !hasStat && !hasAttr {
		return fmt.Errorf("acquire: %q: image has not been opened", img.Path)
	}

	if kern && (p.KextLevel < config.KextLevelHash || st.Size > p.LargeFileThreshold) {
		return nil // defer everything to the worker pool
	}

	// ATTR-only images have no open fd to hash and no live stat baseline to
	// TOCTOU-check a later path-based signature against, so both remaining
	// stages are skipped for them; the image is marked DONE with only the
	// substituted audit attributes.
	if hasAttr {
		p.markDone(img)
		return nil
	}

	movingTarget, err := p.acquireHashes(img, st)
	if err != nil {
		p.markENOMEM(img)
		return err
	}
	img.Close()
	if movingTarget {
		p.markDone(img)
		return nil
	}

	if kern && p.KextLevel < config.KextLevelCodesign {
		return nil // defer code-signing to the worker pool
	}

	if shebang {
		// Interpreter scripts are never code-signed themselves.
		p.markDone(img)
		return nil
	}

	if !p.VerifySignatures {
		p.markDone(img)
		return nil
	}

	if kern {
		if _, avoid := p.RaceAvoidPaths[img.Path]; avoid {
			// Computing a signature here could itself trigger an exec of
			// this same path (exec-proxy / OCSP-responder style
			// processes); defer to the worker pool instead of deadlocking
			// the kernel-callback thread.
			return nil
		}
	}

	if err := p.acquireSignature(img, st); err != nil {
		p.markENOMEM(img)
		return err
	}
	p.markDone(img)
	return nil
}

func (p *Pipeline) markDone(img *image.Image) {
	img.Mu.Lock()
	img.Flags |= image.FlagDone
	img.Mu.Unlock()
}

func (p *Pipeline) markENOMEM(img *image.Image) {
	img.Mu.Lock()
	img.Flags |= image.FlagEnomem | image.FlagDone
	img.Mu.Unlock()
}

// acquireHashes consults the hash cache, falling back to streaming the
// image's open fd. It returns movingTarget=true if the file changed size or
// timestamps between the first stat and the point hashing completed, in
// which case hashes are discarded and never cached.
func (p *Pipeline) acquireHashes(img *image.Image, st image.Stat) (movingTarget bool, err error) {
	key := cache.KeyForStat(st)
	if cached, ok := p.HashCache.Get(key); ok {
		img.Mu.Lock()
		img.Hashes = cached
		img.Flags |= image.FlagHashes
		img.Mu.Unlock()
		return false, nil
	}

	fd := img.FD()
	if fd == nil {
		return false, fmt.Errorf("acquire: %q: no open fd to hash", img.Path)
	}
	if _, err := fd.Seek(0, io.SeekStart); err != nil {
		return false, fmt.Errorf("acquire: %q: seek: %w", img.Path, err)
	}

	hashers := make(map[string]hash.Hash, len(p.Algorithms))
	writers := make([]io.Writer, 0, len(p.Algorithms))
	for _, alg := range p.Algorithms {
		h := newHasher(alg)
		if h == nil {
			continue
		}
		hashers[alg] = h
		writers = append(writers, h)
	}

	n, err := io.Copy(io.MultiWriter(writers...), fd)
	if err != nil {
		return false, fmt.Errorf("acquire: %q: read: %w", img.Path, err)
	}
	if n != st.Size {
		return true, nil
	}

	raw, err := osprobe.FDAttr(fd)
	if err != nil {
		return false, fmt.Errorf("acquire: %q: re-stat: %w", img.Path, err)
	}
	restat := statFromAttr(raw)
	if !st.TOCTOUEqual(restat) {
		return true, nil
	}

	hashes := make(image.HashSet, len(hashers))
	for alg, h := range hashers {
		hashes[alg] = h.Sum(nil)
	}

	img.Mu.Lock()
	img.Hashes = hashes
	img.Flags |= image.FlagHashes
	img.Mu.Unlock()

	p.HashCache.Put(key, hashes)
	return false, nil
}

// acquireSignature consults the signature cache, falling back to invoking
// Signer. It re-stats by path (the fd was already closed by the time
// signing runs) and compares against st; a mismatch invalidates the
// signature because the path now refers to a different file.
func (p *Pipeline) acquireSignature(img *image.Image, st image.Stat) error {
	img.Mu.Lock()
	hashes := img.Hashes
	img.Mu.Unlock()

	key := cache.KeyForHashes(hashes)
	if entry, ok := p.SigCache.Get(key); ok {
		if entry.OOM {
			return fmt.Errorf("acquire: %q: signature cache recorded a prior OOM", img.Path)
		}
		img.Mu.Lock()
		img.Codesign = entry.Sig
		img.Mu.Unlock()
		return nil
	}

	sig, err := p.Signer.Sign(img.Path, hashes)
	if err != nil {
		p.SigCache.Put(key, cache.SigEntry{OOM: true})
		return fmt.Errorf("acquire: %q: sign: %w", img.Path, err)
	}

	raw, err := osprobe.PathAttr(img.Path)
	if err != nil {
		// The file is gone by the time we went to re-verify; treat as
		// invalidated rather than propagate a hard failure.
		return nil
	}
	restat := statFromAttr(raw)
	if !st.TOCTOUEqual(restat) {
		// Path now refers to a different file; do not attribute this
		// signature to it.
		return nil
	}

	img.Mu.Lock()
	img.Codesign = sig
	img.Mu.Unlock()
	p.SigCache.Put(key, cache.SigEntry{Sig: sig})
	return nil
}

func newHasher(alg string) hash.Hash {
	switch alg {
	case "sha256":
		return sha256.New()
	case "md5":
		return md5.New()
	default:
		return nil
	}
}

func statFromAttr(a osprobe.Attr) image.Stat {
	return image.Stat{
		Dev:   a.Dev,
		Ino:   a.Ino,
		Mode:  a.Mode,
		UID:   a.UID,
		GID:   a.GID,
		Size:  a.Size,
		Mtime: a.Mtime,
		Ctime: a.Ctime,
		Btime: a.Btime,
	}
}
