// Package image implements the reference-counted execution-image record
// (spec component C1): the descriptor of one exec acquisition, its stat
// attributes, content hashes, code-signature, and its ancestor/script links.
package image

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tripwire/sentineld/internal/osprobe"
)

// Flags is a bitset describing the acquisition state of an Image.
type Flags uint32

const (
	// FlagStat indicates the image's stat fields were populated from a
	// successful open+fstat of the file itself.
	FlagStat Flags = 1 << iota
	// FlagAttr indicates stat acquisition failed and the audit-supplied
	// attribute record was substituted instead.
	FlagAttr
	// FlagHashes indicates content hashes were successfully computed (or
	// adopted from the hash cache).
	FlagHashes
	// FlagShebang indicates the first two bytes of the file are "#!".
	FlagShebang
	// FlagDone indicates the acquisition pipeline has terminated, whether
	// or not every attribute was successfully acquired.
	FlagDone
	// FlagNoPath indicates the pid-to-path lookup failed during recovery;
	// Path holds a synthetic "<pid>" placeholder.
	FlagNoPath
	// FlagPidLookup indicates the image was constructed by recovery (C6)
	// rather than from a kernel pre-exec callback or an exec audit record.
	FlagPidLookup
	// FlagNoLog suppresses emission of this image's finalized event.
	FlagNoLog
	// FlagNoLogKids propagates FlagNoLog to every descendant image.
	FlagNoLogKids
	// FlagEnomem marks that an allocation failure occurred somewhere in
	// this image's acquisition.
	FlagEnomem
)

// Has reports whether all bits of want are set in f.
func (f Flags) Has(want Flags) bool { return f&want == want }

// Stat mirrors the subset of file identity attributes the correlation
// engine cares about, whether sourced from a live fstat/stat or from an
// audit-supplied attribute record.
type Stat struct {
	Dev   uint64
	Ino   uint64
	Mode  uint32
	UID   uint32
	GID   uint32
	Size  int64
	Mtime time.Time
	Ctime time.Time
	Btime time.Time
}

// IdentityEqual reports whether a and b refer to the same on-disk identity
// (device + inode + mode + owner), ignoring size and timestamps. It is used
// to decide whether a live stat should defer to an audit-supplied attribute.
func (a Stat) IdentityEqual(b Stat) bool {
	return a.Dev == b.Dev && a.Ino == b.Ino && a.Mode == b.Mode && a.UID == b.UID && a.GID == b.GID
}

// TOCTOUEqual reports whether a and b describe the same file contents as
// observed at two points in time: identity plus size and all three
// timestamps. A mismatch means the on-disk file changed between the two
// observations.
func (a Stat) TOCTOUEqual(b Stat) bool {
	return a.IdentityEqual(b) && a.Size == b.Size &&
		a.Mtime.Equal(b.Mtime) && a.Ctime.Equal(b.Ctime) && a.Btime.Equal(b.Btime)
}

// Subject is the audit subject identity attached to an event: the process
// credentials in effect at the moment the kernel or audit layer observed it.
type Subject struct {
	PID     int
	AUID    uint32
	RUID    uint32
	EUID    uint32
	RGID    uint32
	EGID    uint32
	Session uint32
	TTY     string
}

// Signature is an opaque code-signature record as returned by the
// signature cache / codesign verifier (out of scope: the verification
// semantics themselves, only the shape we cache and forward).
type Signature struct {
	// Valid is true when the signature chain validated.
	Valid bool
	// Identifier is the signing identifier (e.g. a bundle ID equivalent).
	Identifier string
	// TeamID groups signatures issued under the same organisation.
	TeamID string
}

// HashSet holds the digests computed for one image's content, keyed by
// algorithm name ("sha256", "md5", ...).
type HashSet map[string][]byte

// Image is the reference-counted descriptor of one executable-image
// acquisition. An Image is mutated by at most one goroutine at a time
// except for the Ref/Unref reference count, which is atomic and may be
// touched by any holder without taking Mu.
//
// Construct with New. Release every acquired reference with Unref; the
// image (and transitively its Script and Prev ancestor) is freed when the
// count reaches zero.
type Image struct {
	// Mu serializes all mutation of this image's fields (everything except
	// the reference count, which has its own atomic counter).
	Mu sync.Mutex

	Path  string
	fd    *os.File // nil when closed
	Stat  Stat
	Flags Flags

	Hashes   HashSet
	Codesign *Signature

	Argv []string
	Envv []string
	Cwd  string

	Subject Subject
	PID     int
	ForkTV  time.Time
	EventTV time.Time

	// Prev is the ancestor (pre-splice current) image. Shared ownership:
	// holding a Prev reference bumps its refcount.
	Prev *Image
	// Script is set only when this image is an interpreter whose
	// invocation was triggered by a shebang; it is the owned descriptor of
	// the script file itself.
	Script *Image

	// PQTTL counts correlator scans this image's PQ entry has been skipped
	// over. Meaningful only while the image is queued in the pre-exec
	// queue; see package prequeue.
	PQTTL int

	refs atomic.Int64

	seq int64
}

// globalSeq assigns a monotonically increasing identifier to every
// constructed Image, independent of the reference count. Used for tracing
// (exposed through Seq); the "images" statistic in metrics.Stats is a
// separate counter.
var globalSeq atomic.Int64

// New allocates an Image taking ownership of path. The returned image has
// refs=1, fd closed, and zeroed stat/hashes. New never fails in the current
// implementation (no allocation-failure path exists in Go the way it does
// in the C original), but returns an error to preserve the contract for
// callers that must propagate ENOMEM-style failures from other layers.
func New(path string) (*Image, error) {
	img := &Image{Path: path}
	img.refs.Store(1)
	img.seq = globalSeq.Add(1)
	return img, nil
}

// Seq returns the monotonically increasing construction sequence number
// assigned to this image by New.
func (img *Image) Seq() int64 { return img.seq }

// Ref increments the reference count and returns img for chaining.
func (img *Image) Ref() *Image {
	img.refs.Add(1)
	return img
}

// Unref decrements the reference count. When it reaches zero, Unref
// releases the open file descriptor (if any) and recursively unrefs Script
// and Prev. Unref is safe to call from any goroutine.
func (img *Image) Unref() {
	if img == nil {
		return
	}
	if n := img.refs.Add(-1); n > 0 {
		return
	} else if n < 0 {
		panic(fmt.Sprintf("image: refcount underflow on %q", img.Path))
	}

	img.Mu.Lock()
	fd := img.fd
	img.fd = nil
	script := img.Script
	prev := img.Prev
	img.Script = nil
	img.Prev = nil
	img.Mu.Unlock()

	if fd != nil {
		_ = fd.Close()
	}
	script.Unref()
	prev.Unref()
}

// RefCount returns the current reference count, for tests and diagnostics.
func (img *Image) RefCount() int64 { return img.refs.Load() }

// errInvariant is returned by Open when a caller-supplied path violates an
// invariant that should be impossible to reach in correct operation (e.g. a
// pre-exec callback reporting a device node as the exec target).
var errInvariant = fmt.Errorf("image: invariant violated")

// Open acquires stat attributes for img. If the image already carries
// FlagStat or FlagAttr this is a no-op. Otherwise it opens img.Path,
// forbidding /dev/* paths, reads the first two bytes to detect a shebang,
// and fstats the open descriptor.
//
// If opening or stating the file fails, attr (if non-nil) is substituted:
// its fields are copied in and FlagAttr is set. If the live stat succeeds
// but its identity (dev/ino/mode/uid/gid) disagrees with attr, attr is
// preferred — the audit record is authoritative for identity because the
// file on disk may already have been replaced by the time we observe it.
func (img *Image) Open(attr *Stat) error {
	img.Mu.Lock()
	defer img.Mu.Unlock()

	if img.Flags.Has(FlagStat) || img.Flags.Has(FlagAttr) {
		return nil
	}

	if strings.HasPrefix(img.Path, "/dev/") {
		return fmt.Errorf("%w: refusing to open device path %q", errInvariant, img.Path)
	}

	f, err := os.Open(img.Path)
	if err != nil {
		return img.fallbackToAttr(attr, err)
	}

	var hdr [2]byte
	n, _ := f.Read(hdr[:])
	if n == 2 && bytes.Equal(hdr[:], []byte("#!")) {
		img.Flags |= FlagShebang
	}

	raw, err := osprobe.FDAttr(f)
	if err != nil {
		_ = f.Close()
		return img.fallbackToAttr(attr, err)
	}
	st := statFromAttr(raw)

	if attr != nil && !st.IdentityEqual(*attr) {
		// The audit record is authoritative: the path may now refer to a
		// different file than the one the kernel callback observed.
		_ = f.Close()
		img.Stat = *attr
		img.Flags |= FlagAttr
		return nil
	}

	img.fd = f
	img.Stat = st
	img.Flags |= FlagStat
	return nil
}

// statFromAttr converts an osprobe.Attr (the raw OS-probe result) into the
// Stat shape used throughout the correlation engine.
func statFromAttr(a osprobe.Attr) Stat {
	return Stat{
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

// fallbackToAttr substitutes attr for a failed live stat. Must be called
// with img.Mu held.
func (img *Image) fallbackToAttr(attr *Stat, cause error) error {
	if attr == nil {
		return fmt.Errorf("image: open %q: %w", img.Path, cause)
	}
	img.Stat = *attr
	img.Flags |= FlagAttr
	return nil
}

// FD returns the open file descriptor acquired by Open, or nil if the
// image has no open descriptor (closed, never opened, or ATTR-only).
func (img *Image) FD() *os.File {
	img.Mu.Lock()
	defer img.Mu.Unlock()
	return img.fd
}

// Close releases the open file descriptor, if any. Safe to call more than
// once.
func (img *Image) Close() {
	img.Mu.Lock()
	fd := img.fd
	img.fd = nil
	img.Mu.Unlock()
	if fd != nil {
		_ = fd.Close()
	}
}

// ScriptPath returns the path used for suppression matching: the script's
// path when img is an interpreter with a Script child, else img.Path.
func (img *Image) ScriptPath() string {
	img.Mu.Lock()
	defer img.Mu.Unlock()
	if img.Script != nil {
		return img.Script.Path
	}
	return img.Path
}

// MatchSuppressions reports whether img should be suppressed given the
// by-identifier and by-path suppression sets: true iff img carries a valid
// code-signature whose Identifier or TeamID is in byIdent, or img's path
// (or, for interpreters, its script's path) is in byPath.
func (img *Image) MatchSuppressions(byIdent, byPath map[string]struct{}) bool {
	img.Mu.Lock()
	sig := img.Codesign
	path := img.Path
	script := img.Script
	img.Mu.Unlock()

	if sig != nil && sig.Valid {
		if _, ok := byIdent[sig.Identifier]; ok {
			return true
		}
		if _, ok := byIdent[sig.TeamID]; ok {
			return true
		}
	}

	if _, ok := byPath[path]; ok {
		return true
	}
	if script != nil {
		if _, ok := byPath[script.Path]; ok {
			return true
		}
	}
	return false
}

// PruneAncestors trims img.Prev to at most maxDepth levels, but only along
// the suffix of the chain that is exclusively owned (refcount == 1): a
// shared ancestor may be visible to another fork's view of history and must
// not be truncated out from under it.
func (img *Image) PruneAncestors(maxDepth int) {
	if maxDepth <= 0 {
		return
	}
	cur := img
	for depth := 0; depth < maxDepth; depth++ {
		cur.Mu.Lock()
		next := cur.Prev
		cur.Mu.Unlock()
		if next == nil {
			return
		}
		cur = next
	}

	// cur.Prev, if any, is the first node beyond maxDepth levels. Only cut
	// it if every node from img down to cur is exclusively owned; the
	// caller's traversal already implies img is real, but cur may be
	// shared with a sibling process whose current image still points
	// partway down this same chain.
	if cur.RefCount() != 1 {
		return
	}
	cur.Mu.Lock()
	trimmed := cur.Prev
	cur.Prev = nil
	cur.Mu.Unlock()
	if trimmed != nil {
		trimmed.Unref()
	}
}
