//go:build unix

package network

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"peerstreamer/internal/debuglog"
)

type Ready int

const (
	TimedOutOrError Ready = 0
	TransportReady  Ready = 1
	ExtrasReady     Ready = 2
)

// NotReady replaces, in place, every extra descriptor that was not readable
// when WaitReady returned ExtrasReady.
const NotReady = -2

func (r Ready) String() string {
	switch r {
	case TransportReady:
		return "transport"
	case ExtrasReady:
		return "extras"
	default:
		return "timeout"
	}
}

// WaitReady blocks until the transport socket or one of the extra descriptors
// is readable, or until timeout elapses. A negative timeout waits forever and
// a nil transport watches the extras only. Transport readiness wins when both
// are ready; the extras are then left untouched.
func WaitReady(t *Transport, extras []int, timeout time.Duration) Ready {
	fds := make([]unix.PollFd, 0, len(extras)+1)
	off := 0
	if t != nil {
		fd := t.Fd()
		if fd < 0 {
			return TimedOutOrError
		}
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		off = 1
	}
	for _, fd := range extras {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}

	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		ms := -1
		if timeout >= 0 {
			ms = pollMillis(time.Until(deadline))
		}
		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			if timeout >= 0 && !time.Now().Before(deadline) {
				return TimedOutOrError
			}
			continue
		}
		if err != nil {
			debuglog.RateLimitedf("poll-fail", defaultLogInterval, "wait ready poll failed: %v", err)
			return TimedOutOrError
		}
		if n <= 0 {
			return TimedOutOrError
		}
		break
	}
	for _, p := range fds {
		if p.Revents&unix.POLLNVAL != 0 {
			return TimedOutOrError
		}
	}
	if t != nil && fds[0].Revents != 0 {
		return TransportReady
	}
	for i := range extras {
		if fds[off+i].Revents == 0 {
			extras[i] = NotReady
		}
	}
	return ExtrasReady
}

// pollMillis rounds up so a sub-millisecond wait does not spin.
func pollMillis(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}
