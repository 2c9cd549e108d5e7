//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// peekConn buffers reads so the monitor can wait for data without
// consuming it.
type peekConn struct {
	net.Conn
	br     *bufio.Reader
	resume chan struct{}
}

func (p *peekConn) Read(b []byte) (int, error) {
	return p.br.Read(b)
}

// Epoll is the goroutine-per-connection fallback for platforms without
// epoll. Each connection has a monitor goroutine that peeks for data and
// reports the connection ready, then waits for Resume before peeking again.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]*peekConn
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

// NewEpoll creates a new fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*peekConn),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Wrap returns a buffered view of conn that the server must read through.
func (e *Epoll) Wrap(conn net.Conn) net.Conn {
	return &peekConn{Conn: conn, br: bufio.NewReader(conn), resume: make(chan struct{}, 1)}
}

// Add starts monitoring a connection returned by Wrap.
func (e *Epoll) Add(conn net.Conn) error {
	pc, ok := conn.(*peekConn)
	if !ok {
		pc = e.Wrap(conn).(*peekConn)
	}
	e.mu.Lock()
	e.conns[conn] = pc
	e.mu.Unlock()

	go e.monitor(conn, pc)
	return nil
}

func (e *Epoll) monitor(conn net.Conn, pc *peekConn) {
	for {
		// An error also signals readiness so the read path sees the close.
		_, err := pc.br.Peek(1)
		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}
		select {
		case <-pc.resume:
		case <-e.done:
			return
		}
		e.mu.Lock()
		_, live := e.conns[conn]
		e.mu.Unlock()
		if !live {
			return
		}
	}
}

// Resume lets the monitor look for the next frame once the current one has
// been read.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.Lock()
	pc := e.conns[conn]
	e.mu.Unlock()
	if pc == nil {
		return
	}
	select {
	case pc.resume <- struct{}{}:
	default:
	}
}

// Remove stops monitoring a connection.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	pc := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if pc != nil {
		select {
		case pc.resume <- struct{}{}:
		default:
		}
	}
	return nil
}

// Wait blocks until at least one connection is ready and returns every
// connection ready at that moment.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops every monitor.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[net.Conn]*peekConn)
	e.mu.Unlock()
	return nil
}

func isEINTR(error) bool { return false }
