package vnet

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// socketFD guards a file descriptor shared by concurrent socket calls. The
// upper 32 bits of the state hold the reference count, the lower 32 bits the
// descriptor, negative once closed; the kernel descriptor is only released
// when the last in-flight call drops its reference.
type socketFD struct {
	state atomic.Uint64
}

func (s *socketFD) init(fd int) {
	s.state.Store(uint64(fd & 0xFFFFFFFF))
}

func (s *socketFD) load() int {
	return int(int32(s.state.Load()))
}

func (s *socketFD) acquire() int {
	for {
		oldState := s.state.Load()
		refCount := (oldState >> 32) + 1
		newState := (refCount << 32) | (oldState & 0xFFFFFFFF)

		if int32(oldState) < 0 {
			return -1
		}
		if s.state.CompareAndSwap(oldState, newState) {
			return int(int32(oldState)) // int32->int for sign extension
		}
	}
}

func (s *socketFD) release(fd int) {
	for {
		oldState := s.state.Load()
		refCount := (oldState >> 32) - 1
		newState := (refCount << 32) | (oldState & 0xFFFFFFFF)

		if s.state.CompareAndSwap(oldState, newState) {
			if int32(oldState) < 0 && refCount == 0 {
				unix.Close(fd)
			}
			return
		}
	}
}

func (s *socketFD) close() {
	for {
		oldState := s.state.Load()
		refCount := oldState >> 32
		newState := oldState | 0xFFFFFFFF

		if s.state.CompareAndSwap(oldState, newState) {
			if fd := int32(oldState); fd >= 0 && refCount == 0 {
				unix.Close(int(fd))
			}
			return
		}
	}
}
