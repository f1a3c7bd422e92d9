package osprobe

import (
	"fmt"
	"time"

	gopsprocess "github.com/shirou/gopsutil/v3/process"
)

// PidPath returns the resolved executable path for pid. Implements the
// "pidpath" OS-probe contract consulted by recovery (C6) when reconstructing
// a process whose fork was never observed.
func PidPath(pid int) (string, error) {
	p, err := gopsprocess.NewProcess(int32(pid))
	if err != nil {
		return "", fmt.Errorf("osprobe: pidpath(%d): %w", pid, err)
	}
	exe, err := p.Exe()
	if err != nil {
		return "", fmt.Errorf("osprobe: pidpath(%d): %w", pid, err)
	}
	return exe, nil
}

// PidCwd returns the current working directory of pid. Implements the
// "pidcwd" OS-probe contract. A failure here means the process is gone.
func PidCwd(pid int) (string, error) {
	p, err := gopsprocess.NewProcess(int32(pid))
	if err != nil {
		return "", fmt.Errorf("osprobe: pidcwd(%d): %w", pid, err)
	}
	cwd, err := p.Cwd()
	if err != nil {
		return "", fmt.Errorf("osprobe: pidcwd(%d): %w", pid, err)
	}
	return cwd, nil
}

// BSDInfo is the subset of process metadata recovery needs to reconstruct
// a process record: its fork time and parent pid.
type BSDInfo struct {
	ForkTV time.Time
	PPID   int
}

// PidBSDInfo returns the fork timestamp and parent pid for pid. Implements
// the "pidbsdinfo" OS-probe contract.
func PidBSDInfo(pid int) (BSDInfo, error) {
	p, err := gopsprocess.NewProcess(int32(pid))
	if err != nil {
		return BSDInfo{}, fmt.Errorf("osprobe: pidbsdinfo(%d): %w", pid, err)
	}
	createMs, err := p.CreateTime()
	if err != nil {
		return BSDInfo{}, fmt.Errorf("osprobe: pidbsdinfo(%d): %w", pid, err)
	}
	ppid, err := p.Ppid()
	if err != nil {
		return BSDInfo{}, fmt.Errorf("osprobe: pidbsdinfo(%d): %w", pid, err)
	}
	return BSDInfo{
		ForkTV: time.UnixMilli(createMs),
		PPID:   int(ppid),
	}, nil
}

// PidAlive performs a lightweight liveness probe, used by the correlator's
// wait4 handler. A probe error is reported as not alive, the same as an
// exited process.
func PidAlive(pid int) bool {
	alive, err := gopsprocess.PidExists(int32(pid))
	return err == nil && alive
}
