//go:build darwin

package osprobe

import (
	"os"
	"syscall"
	"time"
)

// FDAttr stats an already-open file descriptor. It implements the "fdattr"
// OS-probe contract used by the acquisition pipeline's first stat pass.
func FDAttr(f *os.File) (Attr, error) {
	var st syscall.Stat_t
	if err := syscall.Fstat(int(f.Fd()), &st); err != nil {
		return Attr{}, err
	}
	return statTToAttr(st), nil
}

// PathAttr stats a file by path without requiring it to be open. It
// implements the "pathattr" OS-probe contract used by the code-signature
// TOCTOU re-check (the acquisition pipeline closes the fd before signing).
func PathAttr(path string) (Attr, error) {
	var st syscall.Stat_t
	if err := syscall.Stat(path, &st); err != nil {
		return Attr{}, err
	}
	return statTToAttr(st), nil
}

func statTToAttr(st syscall.Stat_t) Attr {
	return Attr{
		Dev:   uint64(st.Dev),
		Ino:   uint64(st.Ino),
		Mode:  uint32(st.Mode),
		UID:   st.Uid,
		GID:   st.Gid,
		Size:  st.Size,
		Mtime: time.Unix(int64(st.Mtimespec.Sec), int64(st.Mtimespec.Nsec)),
		Ctime: time.Unix(int64(st.Ctimespec.Sec), int64(st.Ctimespec.Nsec)),
		Btime: time.Unix(int64(st.Birthtimespec.Sec), int64(st.Birthtimespec.Nsec)),
	}
}
