//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Epoll wraps Linux epoll syscalls. File descriptors are registered with the
// kernel and reported when data is ready, so idle connections cost no
// goroutine.
type Epoll struct {
	fd          int               // epoll file descriptor
	connections map[int]net.Conn  // fd -> net.Conn mapping
	fds         map[net.Conn]int  // net.Conn -> fd, valid after the socket closes
	mu          sync.RWMutex      // protects both maps
	events      []unix.EpollEvent // reusable event buffer for Wait
}

// NewEpoll creates a new epoll instance using epoll_create1.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:          fd,
		connections: make(map[int]net.Conn),
		fds:         make(map[net.Conn]int),
		events:      make([]unix.EpollEvent, 128),
	}, nil
}

// Wrap returns the connection the server should read from. On Linux reads
// go straight to the socket.
func (e *Epoll) Wrap(conn net.Conn) net.Conn {
	return conn
}

// Add registers conn for EPOLLIN and EPOLLHUP notifications.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return syscall.EINVAL
	}
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP,
		Fd:     int32(fd),
	}); err != nil {
		return err
	}

	e.mu.Lock()
	e.connections[fd] = conn
	e.fds[conn] = fd
	e.mu.Unlock()
	return nil
}

// Remove unregisters conn from the interest list.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	fd, ok := e.fds[conn]
	if ok {
		delete(e.fds, conn)
		delete(e.connections, fd)
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}
	return unix.EpollCtl(e.fd, syscall.EPOLL_CTL_DEL, fd, nil)
}

// Resume is a no-op: epoll is level-triggered and reports unread data again
// on the next Wait.
func (e *Epoll) Resume(net.Conn) {}

// Wait blocks until one or more registered connections are ready for
// reading. Connections removed between epoll_wait returning and the lookup
// are skipped.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.events, -1)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	conns := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		conn, ok := e.connections[int(e.events[i].Fd)]
		if ok {
			conns = append(conns, conn)
		}
	}
	e.mu.RUnlock()
	return conns, nil
}

// Close closes the epoll file descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connections = make(map[int]net.Conn)
	e.fds = make(map[net.Conn]int)
	return unix.Close(e.fd)
}

// isEINTR reports an interrupted epoll_wait, which is retried.
func isEINTR(err error) bool {
	return err == unix.EINTR
}

// socketFD extracts the file descriptor through SyscallConn, which unlike
// File() does not duplicate it.
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
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
