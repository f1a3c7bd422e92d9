// Package osprobe collects the small set of OS-level probes the
// correlation engine needs to reconstruct process identity when the
// kernel-callback and audit-trail event sources are silent or incomplete:
// path-by-pid, cwd-by-pid, fork time / parent pid, file and path attribute
// stats, and realpath resolution.
//
// These are exactly the "Consumed from OS probes" contracts in §6 of the
// design: pidpath, pidcwd, pidbsdinfo, fdattr, pathattr, realpath,
// basenamecmp.
package osprobe

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Attr is the raw file-identity result returned by FDAttr and PathAttr.
type Attr struct {
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

// BasenameCmp reports whether p and q share the same filepath.Base value.
// Used by the correlator to degrade pre-exec-queue matching to basename
// comparison when the audit layer omits file attributes.
func BasenameCmp(p, q string) bool {
	return filepath.Base(p) == filepath.Base(q)
}

// RealPath resolves path to a canonical absolute path, resolving it
// relative to cwd first if it is not already absolute. Used by the
// correlator's interpreter fallback (§4.4 exec step 4) to locate argv[0]
// when no interpreter image was found in the pre-exec queue.
func RealPath(path, cwd string) (string, error) {
	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(cwd, p)
	}
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		// EvalSymlinks requires the file to exist; fall back to a purely
		// lexical Clean so callers still get a deterministic absolute path
		// even for files that have already vanished.
		if os.IsNotExist(err) {
			return filepath.Clean(p), nil
		}
		return "", err
	}
	return resolved, nil
}

// SyntheticPath builds the "<pid>" placeholder path used when pid-to-path
// resolution fails (sets image.FlagNoPath on the caller's image).
func SyntheticPath(pid int) string {
	var b strings.Builder
	b.WriteByte('<')
	b.WriteString(itoa(pid))
	b.WriteByte('>')
	return b.String()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
