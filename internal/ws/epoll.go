//go:build linux

package ws

import (
	"fmt"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// readyEvents is what the event loop is woken for: readable data, or the peer
// hanging up or half-closing.
const readyEvents = unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP

// Epoll multiplexes the read side of every session socket onto the single
// event loop goroutine, so idle subscribers cost no goroutine.
type Epoll struct {
	fd     int
	mu     sync.RWMutex
	byFd   map[int]net.Conn
	events []unix.EpollEvent
}

// NewEpoll creates the epoll instance.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ws: epoll create: %w", err)
	}
	return &Epoll{
		fd:     fd,
		byFd:   make(map[int]net.Conn),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add starts watching conn.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	ev := &unix.EpollEvent{Events: readyEvents, Fd: int32(fd)}
	if err := e.ctl(unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return err
	}
	e.mu.Lock()
	e.byFd[fd] = conn
	e.mu.Unlock()
	return nil
}

// Remove stops watching conn. The socket itself is left open.
func (e *Epoll) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	e.mu.Lock()
	delete(e.byFd, fd)
	e.mu.Unlock()
	return e.ctl(unix.EPOLL_CTL_DEL, fd, nil)
}

func (e *Epoll) ctl(op, fd int, ev *unix.EpollEvent) error {
	if fd < 0 {
		return fmt.Errorf("ws: epoll: connection has no socket")
	}
	if err := unix.EpollCtl(e.fd, op, fd, ev); err != nil {
		return fmt.Errorf("ws: epoll ctl %d fd %d: %w", op, fd, err)
	}
	return nil
}

// Wait returns the watched connections that became ready within waitMillis.
// A timeout yields nil. Sockets removed while the wait was in flight are left
// out.
func (e *Epoll) Wait(waitMillis int) ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.events, waitMillis)
	if err != nil || n <= 0 {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	ready := make([]net.Conn, 0, n)
	for _, ev := range e.events[:n] {
		if conn, ok := e.byFd[int(ev.Fd)]; ok {
			ready = append(ready, conn)
		}
	}
	return ready, nil
}

// Close releases the epoll instance.
func (e *Epoll) Close() error {
	e.mu.Lock()
	e.byFd = nil
	e.mu.Unlock()
	return unix.Close(e.fd)
}

// socketFD returns the descriptor behind conn without duplicating it, or -1
// for connections that are not backed by a socket.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	if err := raw.Control(func(sfd uintptr) { fd = int(sfd) }); err != nil {
		return -1
	}
	return fd
}
