package vnet

import (
	"encoding/binary"
	"sync"

	"golang.org/x/sys/unix"
)

type socketState uint8

const (
	bound socketState = 1 << iota
	listening
	connected
	accepted
	nonblocking
)

func (state socketState) is(s socketState) bool { return (state & s) != 0 }

// socket is one managed stream socket. fd0 is the end the application holds,
// and doubles as the accept queue for listeners; fd1 is the far end, handed
// to the peer when the socket connects and closed right after. Accepted
// connections carry a single descriptor, so their fd1 starts out closed.
type socket struct {
	stack *Stack
	fd0   socketFD
	fd1   socketFD

	mutex   sync.Mutex
	state   socketState
	name    *unix.SockaddrInet4
	peer    *unix.SockaddrInet4
	nodelay bool
}

func (s *socket) sockname() *unix.SockaddrInet4 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.name
}

func (s *socket) peername() *unix.SockaddrInet4 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.peer
}

func (s *socket) has(state socketState) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state.is(state)
}

// Connecting sockets announce their local address to the accepting side in
// an 8-byte header sent along with the descriptor.
const sockaddrInet4Size = 8

func encodeSockaddrInet4(sa *unix.SockaddrInet4) (b [sockaddrInet4Size]byte) {
	binary.BigEndian.PutUint16(b[0:2], unix.AF_INET)
	binary.BigEndian.PutUint16(b[2:4], uint16(sa.Port))
	copy(b[4:8], sa.Addr[:])
	return b
}

func decodeSockaddrInet4(b [sockaddrInet4Size]byte) (*unix.SockaddrInet4, error) {
	if binary.BigEndian.Uint16(b[0:2]) != unix.AF_INET {
		return nil, unix.EAFNOSUPPORT
	}
	sa := &unix.SockaddrInet4{Port: int(binary.BigEndian.Uint16(b[2:4]))}
	copy(sa.Addr[:], b[4:8])
	return sa, nil
}

func ignoreEINTR(f func() error) error {
	for {
		if err := f(); err != unix.EINTR {
			return err
		}
	}
}

func ignoreEINTR2[F func() (R, error), R any](f F) (R, error) {
	for {
		v, err := f()
		if err != unix.EINTR {
			return v, err
		}
	}
}

func ignoreEINTR3[F func() (R1, R2, error), R1, R2 any](f F) (R1, R2, error) {
	for {
		v1, v2, err := f()
		if err != unix.EINTR {
			return v1, v2, err
		}
	}
}
