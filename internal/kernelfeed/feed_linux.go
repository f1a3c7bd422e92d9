// Linux implementation of Source using the NETLINK_CONNECTOR process
// connector. This mechanism delivers PROC_EVENT_EXEC notifications from the
// kernel with zero polling overhead — this is the pre-exec callback
// (spec.md §5) on Linux.
//
// Privilege requirement: opening a NETLINK_CONNECTOR socket and subscribing
// to process events requires CAP_NET_ADMIN (or uid 0).
//
//go:build linux

package kernelfeed

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"syscall"
)

// ─── Netlink Connector kernel ABI ─────────────────────────────────────────
// Field layouts and magic values below come straight from <linux/connector.h>
// and <linux/cn_proc.h>; they describe a fixed kernel wire format sentineld
// does not control, so they cannot be varied without breaking the decoder.

const (
	netlinkConnector = 11

	cnIdxProc uint32 = 1 // CN_IDX_PROC
	cnValProc uint32 = 1 // CN_VAL_PROC

	procCNMcastListen uint32 = 1 // PROC_CN_MCAST_LISTEN
	procCNMcastIgnore uint32 = 2 // PROC_CN_MCAST_IGNORE

	procEventExec uint32 = 0x00000002 // PROC_EVENT_EXEC
)

// cnMsgHeader mirrors the kernel's struct cn_msg prefix (idx, val, seq, ack,
// len, flags) carried at the start of every NETLINK_CONNECTOR datagram.
type cnMsgHeader struct {
	Idx, Val, Seq, Ack uint32
	Len, Flags         uint16
}

// procEventHeader mirrors struct proc_event's fixed prefix (what, cpu,
// timestamp_ns) that precedes every event-specific payload.
type procEventHeader struct {
	What        uint32
	CPU         uint32
	TimestampNS uint64
}

// execProcEvent mirrors struct exec_proc_event, the PROC_EVENT_EXEC payload.
type execProcEvent struct {
	PID  uint32
	TGID uint32
}

const (
	cnMsgSize       = 20 // binary.Size(cnMsgHeader{})
	procEvtHdrSize  = 16 // binary.Size(procEventHeader{})
	execInfoSize    = 8  // binary.Size(execProcEvent{})
	nlMsgHdrSize    = 16 // matches syscall.SizeofNlMsghdr
	minProcEventLen = cnMsgSize + procEvtHdrSize + execInfoSize
)

// Start opens a NETLINK_CONNECTOR socket, subscribes to kernel process
// events, and begins acquiring+enqueuing an image for every execve. It
// returns immediately after launching the background loop.
//
// Calling Start on an already-running Source is a no-op (returns nil).
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil
	}

	sock, err := syscall.Socket(syscall.AF_NETLINK, syscall.SOCK_DGRAM, netlinkConnector)
	if err != nil {
		return fmt.Errorf("kernelfeed: open NETLINK_CONNECTOR socket: %w "+
			"(requires CAP_NET_ADMIN)", err)
	}

	sa := &syscall.SockaddrNetlink{
		Family: syscall.AF_NETLINK,
		Pid:    uint32(os.Getpid()),
	}
	if err := syscall.Bind(sock, sa); err != nil {
		_ = syscall.Close(sock)
		return fmt.Errorf("kernelfeed: bind NETLINK_CONNECTOR: %w", err)
	}

	if err := sendSubscription(sock, procCNMcastListen); err != nil {
		_ = syscall.Close(sock)
		return fmt.Errorf("kernelfeed: subscribe to proc events: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.recvLoop(ctx, sock)

	s.logger.Info("kernelfeed started",
		slog.String("mechanism", "NETLINK_CONNECTOR/PROC_EVENT_EXEC"),
	)
	return nil
}

// Stop signals the loop to cease monitoring and waits for it to exit. Safe
// to call more than once.
func (s *Source) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		s.cancel = nil
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		s.wg.Wait()
		s.logger.Info("kernelfeed stopped")
	})
}

// recvLoop blocks on the connector socket until ctx is cancelled, handing
// each received datagram to onNetlinkDatagram. A one-second receive timeout
// bounds how long a call to Recvfrom can delay noticing cancellation.
func (s *Source) recvLoop(ctx context.Context, sock int) {
	defer s.wg.Done()
	defer func() { _ = syscall.Close(sock) }()

	tv := syscall.Timeval{Sec: 1, Usec: 0}
	_ = syscall.SetsockoptTimeval(sock, syscall.SOL_SOCKET, syscall.SO_RCVTIMEO, &tv)

	buf := make([]byte, 8*1024)

	for {
		select {
		case <-ctx.Done():
			_ = sendSubscription(sock, procCNMcastIgnore)
			return
		default:
		}

		n, _, err := syscall.Recvfrom(sock, buf, 0)
		if err != nil {
			if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK || err == syscall.EINTR {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.logger.Warn("kernelfeed: recvfrom error", slog.Any("error", err))
			return
		}

		s.onNetlinkDatagram(buf[:n])
	}
}

// onNetlinkDatagram splits one recvfrom'd datagram into its constituent
// netlink messages and resolves+dispatches every PROC_EVENT_EXEC it finds.
func (s *Source) onNetlinkDatagram(buf []byte) {
	msgs, err := syscall.ParseNetlinkMessage(buf)
	if err != nil {
		s.logger.Warn("kernelfeed: parse netlink message", slog.Any("error", err))
		return
	}
	for i := range msgs {
		if msgs[i].Header.Type == syscall.NLMSG_ERROR {
			continue
		}
		pid, ok := decodeExecPID(msgs[i].Data)
		if !ok {
			continue
		}
		s.resolveAndDispatch(pid)
	}
}

// resolveAndDispatch reads the exec'd image's path out of /proc (the pid's
// entry in cn_proc's notification carries no path) and hands it to onExec.
// A vanished /proc entry means the process already exited; nothing to do.
func (s *Source) resolveAndDispatch(pid int) {
	exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return
	}
	s.onExec(pid, exe)
}

// decodeExecPID parses one netlink message's connector payload and, if it
// carries a PROC_EVENT_EXEC addressed to CN_IDX_PROC/CN_VAL_PROC, returns
// the execing pid. Any other connector traffic (fork, exit, uid-change, a
// non-process message) is reported as ok=false.
func decodeExecPID(raw []byte) (pid int, ok bool) {
	if len(raw) < minProcEventLen {
		return 0, false
	}

	var cn cnMsgHeader
	if err := binary.Read(bytes.NewReader(raw[:cnMsgSize]), binary.NativeEndian, &cn); err != nil {
		return 0, false
	}
	if cn.Idx != cnIdxProc || cn.Val != cnValProc {
		return 0, false
	}

	payload := raw[cnMsgSize:]
	if int(cn.Len) > len(payload) {
		return 0, false
	}
	payload = payload[:cn.Len]
	if len(payload) < procEvtHdrSize+execInfoSize {
		return 0, false
	}

	var hdr procEventHeader
	if err := binary.Read(bytes.NewReader(payload[:procEvtHdrSize]), binary.NativeEndian, &hdr); err != nil {
		return 0, false
	}
	if hdr.What != procEventExec {
		return 0, false
	}

	var exec execProcEvent
	body := payload[procEvtHdrSize : procEvtHdrSize+execInfoSize]
	if err := binary.Read(bytes.NewReader(body), binary.NativeEndian, &exec); err != nil {
		return 0, false
	}
	return int(exec.PID), true
}

// sendSubscription builds and sends a NETLINK_CONNECTOR control message
// instructing the kernel to start (PROC_CN_MCAST_LISTEN) or stop
// (PROC_CN_MCAST_IGNORE) delivering process events to sock.
func sendSubscription(sock int, op uint32) error {
	const opSize = 4
	totalSize := nlMsgHdrSize + cnMsgSize + opSize

	var buf bytes.Buffer
	nlHdr := struct {
		Len   uint32
		Type  uint16
		Flags uint16
		Seq   uint32
		Pid   uint32
	}{
		Len:  uint32(totalSize),
		Type: syscall.NLMSG_DONE,
		Pid:  uint32(os.Getpid()),
	}
	if err := binary.Write(&buf, binary.NativeEndian, nlHdr); err != nil {
		return fmt.Errorf("kernelfeed: encode nlmsghdr: %w", err)
	}

	cn := cnMsgHeader{Idx: cnIdxProc, Val: cnValProc, Len: opSize}
	if err := binary.Write(&buf, binary.NativeEndian, cn); err != nil {
		return fmt.Errorf("kernelfeed: encode cn_msg: %w", err)
	}
	if err := binary.Write(&buf, binary.NativeEndian, op); err != nil {
		return fmt.Errorf("kernelfeed: encode subscription op: %w", err)
	}

	dst := &syscall.SockaddrNetlink{Family: syscall.AF_NETLINK, Pid: 0}
	return syscall.Sendto(sock, buf.Bytes(), 0, dst)
}
