package loop

import (
	"golang.org/x/sys/unix"
)

// pollTimeoutMillis bounds each blocking unix.Poll call so a watcher can
// notice cancellation promptly without needing to interrupt the syscall.
const pollTimeoutMillis = 1000

// WatchFD arms a one-shot, level-triggered watch on fd for events (a
// unix.POLLIN/POLLOUT mask), matching spec.md §4.6's fd-watcher contract:
// the watcher fires cb exactly once then stops - the owner (internal/plugin)
// is responsible for re-arming, which lets a callback close and replace fd
// before the next watch begins (§4.6 last paragraph). Returns a cancel func
// that stops the watch before it fires, if it hasn't already.
func (l *Loop) WatchFD(fd int, events uint32, cb func()) (cancel func()) {
	done := make(chan struct{})
	go func() {
		pfd := []unix.PollFd{{Fd: int32(fd), Events: int16(events)}}
		for {
			select {
			case <-done:
				return
			default:
			}
			n, err := unix.Poll(pfd, pollTimeoutMillis)
			if err != nil {
				if err == unix.EINTR {
					continue
				}
				return
			}
			if n <= 0 {
				continue
			}
			if pfd[0].Revents&(int16(events)|unix.POLLHUP|unix.POLLERR) != 0 {
				select {
				case <-done:
				default:
					l.ScheduleWork(cb)
				}
				return
			}
		}
	}()
	var closed bool
	return func() {
		if !closed {
			closed = true
			close(done)
		}
	}
}
