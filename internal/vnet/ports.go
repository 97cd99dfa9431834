package vnet

import (
	"sync"

	"golang.org/x/sys/unix"
)

const (
	ephemeralPortMin = 49152
	ephemeralPortMax = 65535
)

// portTable tracks which local ports are reserved by bound sockets and which
// of those sockets are accepting connections. Connects only ever see the
// listeners, so a half-set-up server is indistinguishable from a closed port.
type portTable struct {
	mutex     sync.Mutex
	bound     map[uint16]*socket
	listeners map[uint16]*socket
}

// bind reserves port for sock, picking an ephemeral port when port is zero,
// and returns the port that was reserved.
func (t *portTable) bind(sock *socket, port int) (int, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.bound == nil {
		t.bound = make(map[uint16]*socket)
	}
	if port == 0 {
		port = t.ephemeral()
		if port == 0 {
			return -1, unix.EADDRNOTAVAIL
		}
	} else if _, taken := t.bound[uint16(port)]; taken {
		// TODO: honor SO_REUSEADDR for ports left behind by closed listeners
		return -1, unix.EADDRINUSE
	}
	t.bound[uint16(port)] = sock
	return port, nil
}

func (t *portTable) ephemeral() int {
	for port := ephemeralPortMin; port <= ephemeralPortMax; port++ {
		if _, taken := t.bound[uint16(port)]; !taken {
			return port
		}
	}
	return 0
}

func (t *portTable) listen(sock *socket, port uint16) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.listeners == nil {
		t.listeners = make(map[uint16]*socket)
	}
	t.listeners[port] = sock
}

func (t *portTable) lookup(port uint16) *socket {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.listeners[port]
}

// unlink releases port if it is still held by sock; a port rebound by another
// socket after sock was closed is left alone.
func (t *portTable) unlink(sock *socket, port uint16) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.bound[port] == sock {
		delete(t.bound, port)
	}
	if t.listeners[port] == sock {
		delete(t.listeners, port)
	}
}
