// Package vnet is a user-space stream network confined to one host. Managed
// sockets are backed by unix socket pairs, so every managed descriptor is a
// real kernel descriptor and mixes freely with native descriptors in select
// and epoll. Connection establishment passes the far end of the pair to the
// listener over its accept queue with SCM_RIGHTS.
//
// The stack is driven through the interpose.Stack interface; descriptors it
// does not manage are reported with EBADF so the dispatcher can route the
// call to the host network instead.
package vnet

import (
	"fmt"
	"io"
	"net/netip"
	"sync"

	"github.com/fastpath/interpose"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var loopback = [4]byte{127, 0, 0, 1}

// Stack implements interpose.Stack over a virtual IPv4 network. The zero
// value is not usable; construct instances with NewStack.
type Stack struct {
	log    *zap.Logger
	config *Config

	mutex   sync.RWMutex
	sockets map[int]*socket

	ports portTable

	session uuid.UUID
	addr4   [4]byte
	control int
}

func NewStack(config *Config, log *zap.Logger) *Stack {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Stack{
		log:     log,
		config:  config,
		sockets: make(map[int]*socket),
		control: -1,
	}
}

// Init opens a session with the backend over the control socket. The
// connection is made through boot, which routes it to the host network, and
// stays open for the lifetime of the session; the address the backend assigns
// becomes the stack's address on the virtual network.
func (s *Stack) Init(boot interpose.Calls) error {
	fd, err := boot.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("control socket: %w", err)
	}
	if err := boot.Connect(fd, &unix.SockaddrUnix{Name: s.config.Control.Socket}); err != nil {
		boot.Close(fd)
		return fmt.Errorf("control socket %s: %w", s.config.Control.Socket, err)
	}

	s.session = uuid.New()
	hello := encodeHello(s.session)
	if err := writeFull(boot, fd, hello[:]); err != nil {
		boot.Close(fd)
		return fmt.Errorf("control handshake: %w", err)
	}
	var ack [ackSize]byte
	if err := readFull(boot, fd, ack[:]); err != nil {
		boot.Close(fd)
		return fmt.Errorf("control handshake: %w", err)
	}
	addr, err := decodeAck(ack)
	if err != nil {
		boot.Close(fd)
		return fmt.Errorf("control handshake: %w", err)
	}

	s.addr4 = addr
	s.control = fd
	s.log.Info("session established",
		zap.Stringer("session", s.session),
		zap.Stringer("addr", netip.AddrFrom4(addr)),
	)
	return nil
}

// Detach tears the session down, closing every managed socket and the
// control connection.
func (s *Stack) Detach() error {
	s.mutex.Lock()
	sockets := s.sockets
	s.sockets = make(map[int]*socket)
	control := s.control
	s.control = -1
	s.mutex.Unlock()

	for _, sock := range sockets {
		sock.fd0.close()
		sock.fd1.close()
	}
	if control >= 0 {
		return unix.Close(control)
	}
	return nil
}

func (s *Stack) register(fd int, sock *socket) {
	s.mutex.Lock()
	s.sockets[fd] = sock
	s.mutex.Unlock()
}

func (s *Stack) lookup(fd int) *socket {
	s.mutex.RLock()
	sock := s.sockets[fd]
	s.mutex.RUnlock()
	return sock
}

func (s *Stack) unregister(fd int) *socket {
	s.mutex.Lock()
	sock := s.sockets[fd]
	delete(s.sockets, fd)
	s.mutex.Unlock()
	return sock
}

// localAddr tells whether addr names this stack on the virtual network.
func (s *Stack) localAddr(addr [4]byte) bool {
	switch addr {
	case [4]byte{}, loopback, s.addr4:
		return true
	}
	return false
}

func writeFull(boot interpose.Calls, fd int, b []byte) error {
	for len(b) > 0 {
		n, err := boot.Write(fd, b)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func readFull(boot interpose.Calls, fd int, b []byte) error {
	for len(b) > 0 {
		n, err := boot.Read(fd, b)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrUnexpectedEOF
		}
		b = b[n:]
	}
	return nil
}
