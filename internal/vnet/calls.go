package vnet

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// The methods below implement interpose.Calls. Descriptors the stack does
// not manage are reported with unix.EBADF; every other errno carries its
// usual meaning.

func (s *Stack) Socket(domain, typ, protocol int) (int, error) {
	if domain != unix.AF_INET {
		return -1, unix.EAFNOSUPPORT
	}
	if typ&^(unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC) != unix.SOCK_STREAM {
		return -1, unix.ESOCKTNOSUPPORT
	}
	if protocol != 0 && protocol != unix.IPPROTO_TCP {
		return -1, unix.EPROTONOSUPPORT
	}

	pairType := unix.SOCK_STREAM | unix.SOCK_CLOEXEC | (typ & unix.SOCK_NONBLOCK)
	pair, err := ignoreEINTR2(func() ([2]int, error) {
		return unix.Socketpair(unix.AF_UNIX, pairType, 0)
	})
	if err != nil {
		return -1, err
	}
	if typ&unix.SOCK_CLOEXEC == 0 {
		unix.FcntlInt(uintptr(pair[0]), unix.F_SETFD, 0)
	}

	sock := &socket{stack: s}
	sock.fd0.init(pair[0])
	sock.fd1.init(pair[1])
	if typ&unix.SOCK_NONBLOCK != 0 {
		sock.state = nonblocking
	}
	s.register(pair[0], sock)
	return pair[0], nil
}

func (s *Stack) Close(fd int) error {
	sock := s.unregister(fd)
	if sock == nil {
		return unix.EBADF
	}
	sock.mutex.Lock()
	if sock.state.is(bound) && sock.name != nil {
		s.ports.unlink(sock, uint16(sock.name.Port))
	}
	sock.mutex.Unlock()
	sock.fd0.close()
	sock.fd1.close()
	return nil
}

func (s *Stack) Shutdown(fd, how int) error {
	sock := s.lookup(fd)
	if sock == nil {
		return unix.EBADF
	}
	if !sock.has(connected) {
		return unix.ENOTCONN
	}
	sfd := sock.fd0.acquire()
	if sfd < 0 {
		return unix.EBADF
	}
	defer sock.fd0.release(sfd)
	return ignoreEINTR(func() error { return unix.Shutdown(sfd, how) })
}

func (s *Stack) Bind(fd int, sa unix.Sockaddr) error {
	sock := s.lookup(fd)
	if sock == nil {
		return unix.EBADF
	}
	sin, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return unix.EAFNOSUPPORT
	}

	sock.mutex.Lock()
	defer sock.mutex.Unlock()
	if sock.state.is(bound) {
		return unix.EINVAL
	}
	if !s.localAddr(sin.Addr) {
		return unix.EADDRNOTAVAIL
	}
	port, err := s.ports.bind(sock, sin.Port)
	if err != nil {
		return err
	}
	sock.name = &unix.SockaddrInet4{Port: port, Addr: sin.Addr}
	sock.state |= bound
	return nil
}

// bindEphemeral gives an unbound socket its automatic local address; the
// caller holds sock.mutex.
func (s *Stack) bindEphemeral(sock *socket) error {
	port, err := s.ports.bind(sock, 0)
	if err != nil {
		return err
	}
	addr := s.addr4
	if addr == ([4]byte{}) {
		addr = loopback
	}
	sock.name = &unix.SockaddrInet4{Port: port, Addr: addr}
	sock.state |= bound
	return nil
}

func (s *Stack) Connect(fd int, sa unix.Sockaddr) error {
	sock := s.lookup(fd)
	if sock == nil {
		return unix.EBADF
	}
	sin, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return unix.EAFNOSUPPORT
	}

	sock.mutex.Lock()
	defer sock.mutex.Unlock()
	if sock.state.is(listening) {
		return unix.EINVAL
	}
	if sock.state.is(connected) {
		return unix.EISCONN
	}
	if !s.localAddr(sin.Addr) {
		return unix.ENETUNREACH
	}
	if !sock.state.is(bound) {
		if err := s.bindEphemeral(sock); err != nil {
			return err
		}
	}

	server := s.ports.lookup(uint16(sin.Port))
	if server == nil || server == sock {
		return unix.ECONNREFUSED
	}
	queue := server.fd1.acquire()
	if queue < 0 {
		return unix.ECONNREFUSED
	}
	defer server.fd1.release(queue)

	fd1 := sock.fd1.acquire()
	if fd1 < 0 {
		return unix.EBADF
	}
	addr := encodeSockaddrInet4(sock.name)
	err := ignoreEINTR(func() error {
		return unix.Sendmsg(queue, addr[:], unix.UnixRights(fd1), nil, 0)
	})
	sock.fd1.release(fd1)
	if err != nil {
		return unix.ECONNREFUSED
	}
	// The far end now belongs to the accepted connection.
	sock.fd1.close()

	sock.peer = &unix.SockaddrInet4{Port: sin.Port, Addr: sin.Addr}
	sock.state |= connected
	if sock.state.is(nonblocking) {
		return unix.EINPROGRESS
	}
	return nil
}

func (s *Stack) Listen(fd, backlog int) error {
	sock := s.lookup(fd)
	if sock == nil {
		return unix.EBADF
	}

	sock.mutex.Lock()
	defer sock.mutex.Unlock()
	if sock.state.is(connected) {
		return unix.EINVAL
	}
	if sock.state.is(listening) {
		return nil
	}
	if !sock.state.is(bound) {
		if err := s.bindEphemeral(sock); err != nil {
			return err
		}
	}
	// The socket pair buffer is the accept queue; backlog is not enforced.
	s.ports.listen(sock, uint16(sock.name.Port))
	sock.state |= listening
	return nil
}

func (s *Stack) Accept(fd int) (int, unix.Sockaddr, error) {
	return s.accept(fd, 0)
}

func (s *Stack) Accept4(fd, flags int) (int, unix.Sockaddr, error) {
	if flags&^(unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC) != 0 {
		return -1, nil, unix.EINVAL
	}
	return s.accept(fd, flags)
}

func (s *Stack) accept(fd, flags int) (int, unix.Sockaddr, error) {
	sock := s.lookup(fd)
	if sock == nil {
		return -1, nil, unix.EBADF
	}
	if !sock.has(listening) {
		return -1, nil, unix.EINVAL
	}
	queue := sock.fd0.acquire()
	if queue < 0 {
		return -1, nil, unix.EBADF
	}
	defer sock.fd0.release(queue)

	var addr [sockaddrInet4Size]byte
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, err := ignoreEINTR3(func() (int, int, error) {
		n, oobn, _, _, err := unix.Recvmsg(queue, addr[:], oob, 0)
		return n, oobn, err
	})
	if err != nil {
		return -1, nil, err
	}
	if n < sockaddrInet4Size {
		return -1, nil, unix.ECONNABORTED
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil || len(msgs) == 0 {
		return -1, nil, unix.ECONNABORTED
	}
	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil || len(fds) == 0 {
		return -1, nil, unix.ECONNABORTED
	}
	connFd := fds[0]
	peer, err := decodeSockaddrInet4(addr)
	if err != nil {
		unix.Close(connFd)
		return -1, nil, unix.ECONNABORTED
	}

	// The received descriptor keeps the blocking mode of the peer that
	// created it, so both properties are set explicitly from flags.
	unix.SetNonblock(connFd, flags&unix.SOCK_NONBLOCK != 0)
	if flags&unix.SOCK_CLOEXEC != 0 {
		unix.CloseOnExec(connFd)
	}

	conn := &socket{
		stack: sock.stack,
		state: bound | accepted | connected,
		name:  sock.sockname(),
		peer:  peer,
	}
	if flags&unix.SOCK_NONBLOCK != 0 {
		conn.state |= nonblocking
	}
	conn.fd0.init(connFd)
	conn.fd1.init(-1)
	s.register(connFd, conn)
	return connFd, peer, nil
}

func (s *Stack) Fcntl(fd, cmd, arg int) (int, error) {
	sock := s.lookup(fd)
	if sock == nil {
		return -1, unix.EBADF
	}
	switch cmd {
	case unix.F_GETFL, unix.F_SETFL, unix.F_GETFD, unix.F_SETFD:
	default:
		return -1, unix.EINVAL
	}
	sfd := sock.fd0.acquire()
	if sfd < 0 {
		return -1, unix.EBADF
	}
	defer sock.fd0.release(sfd)
	ret, err := unix.FcntlInt(uintptr(sfd), cmd, arg)
	if err == nil && cmd == unix.F_SETFL {
		sock.mutex.Lock()
		if arg&unix.O_NONBLOCK != 0 {
			sock.state |= nonblocking
		} else {
			sock.state &^= nonblocking
		}
		sock.mutex.Unlock()
	}
	return ret, err
}

func (s *Stack) GetsockoptInt(fd, level, opt int) (int, error) {
	sock := s.lookup(fd)
	if sock == nil {
		return -1, unix.EBADF
	}
	// Options exposing the pretend identity of the socket are answered
	// here; the rest map directly onto the socket pair.
	switch {
	case level == unix.SOL_SOCKET && opt == unix.SO_DOMAIN:
		return unix.AF_INET, nil
	case level == unix.SOL_SOCKET && opt == unix.SO_TYPE:
		return unix.SOCK_STREAM, nil
	case level == unix.SOL_SOCKET && opt == unix.SO_PROTOCOL:
		return unix.IPPROTO_TCP, nil
	case level == unix.SOL_SOCKET && opt == unix.SO_ACCEPTCONN:
		if sock.has(listening) {
			return 1, nil
		}
		return 0, nil
	case level == unix.IPPROTO_TCP && opt == unix.TCP_NODELAY:
		sock.mutex.Lock()
		defer sock.mutex.Unlock()
		if sock.nodelay {
			return 1, nil
		}
		return 0, nil
	}
	sfd := sock.fd0.acquire()
	if sfd < 0 {
		return -1, unix.EBADF
	}
	defer sock.fd0.release(sfd)
	return unix.GetsockoptInt(sfd, level, opt)
}

func (s *Stack) SetsockoptInt(fd, level, opt, value int) error {
	sock := s.lookup(fd)
	if sock == nil {
		return unix.EBADF
	}
	if level == unix.IPPROTO_TCP && opt == unix.TCP_NODELAY {
		sock.mutex.Lock()
		sock.nodelay = value != 0
		sock.mutex.Unlock()
		return nil
	}
	sfd := sock.fd0.acquire()
	if sfd < 0 {
		return unix.EBADF
	}
	defer sock.fd0.release(sfd)
	return unix.SetsockoptInt(sfd, level, opt, value)
}

func (s *Stack) Getsockname(fd int) (unix.Sockaddr, error) {
	sock := s.lookup(fd)
	if sock == nil {
		return nil, unix.EBADF
	}
	if name := sock.sockname(); name != nil {
		return name, nil
	}
	return &unix.SockaddrInet4{}, nil
}

func (s *Stack) Getpeername(fd int) (unix.Sockaddr, error) {
	sock := s.lookup(fd)
	if sock == nil {
		return nil, unix.EBADF
	}
	if peer := sock.peername(); peer != nil {
		return peer, nil
	}
	return nil, unix.ENOTCONN
}

func (s *Stack) Read(fd int, p []byte) (int, error) {
	sock, sfd, err := s.data(fd)
	if err != nil {
		return -1, err
	}
	defer sock.fd0.release(sfd)
	return ignoreEINTR2(func() (int, error) { return unix.Read(sfd, p) })
}

func (s *Stack) Recv(fd int, p []byte, flags int) (int, error) {
	sock, sfd, err := s.data(fd)
	if err != nil {
		return -1, err
	}
	defer sock.fd0.release(sfd)
	return ignoreEINTR2(func() (int, error) {
		n, _, err := unix.Recvfrom(sfd, p, flags)
		return n, err
	})
}

func (s *Stack) Recvfrom(fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	sock, sfd, err := s.data(fd)
	if err != nil {
		return -1, nil, err
	}
	defer sock.fd0.release(sfd)
	n, err := ignoreEINTR2(func() (int, error) {
		n, _, err := unix.Recvfrom(sfd, p, flags)
		return n, err
	})
	if err != nil {
		return -1, nil, err
	}
	return n, sock.peername(), nil
}

func (s *Stack) Recvmsg(fd int, p, oob []byte, flags int) (int, int, int, unix.Sockaddr, error) {
	sock, sfd, err := s.data(fd)
	if err != nil {
		return -1, 0, 0, nil, err
	}
	defer sock.fd0.release(sfd)
	for {
		n, oobn, recvflags, _, err := unix.Recvmsg(sfd, p, oob, flags)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, 0, 0, nil, err
		}
		return n, oobn, recvflags, sock.peername(), nil
	}
}

func (s *Stack) Write(fd int, p []byte) (int, error) {
	sock, sfd, err := s.data(fd)
	if err != nil {
		return -1, err
	}
	defer sock.fd0.release(sfd)
	return ignoreEINTR2(func() (int, error) { return unix.Write(sfd, p) })
}

func (s *Stack) Send(fd int, p []byte, flags int) (int, error) {
	sock, sfd, err := s.data(fd)
	if err != nil {
		return -1, err
	}
	defer sock.fd0.release(sfd)
	return ignoreEINTR2(func() (int, error) {
		return unix.SendmsgN(sfd, p, nil, nil, flags)
	})
}

func (s *Stack) Sendto(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	if to != nil {
		// Connected stream sockets reject explicit destinations.
		if s.lookup(fd) == nil {
			return -1, unix.EBADF
		}
		return -1, unix.EISCONN
	}
	return s.Send(fd, p, flags)
}

func (s *Stack) Sendmsg(fd int, p, oob []byte, flags int, to unix.Sockaddr) (int, error) {
	sock, sfd, err := s.data(fd)
	if err != nil {
		return -1, err
	}
	defer sock.fd0.release(sfd)
	if to != nil {
		return -1, unix.EISCONN
	}
	return ignoreEINTR2(func() (int, error) {
		return unix.SendmsgN(sfd, p, oob, nil, flags)
	})
}

// data resolves fd for a data transfer, taking a reference on the underlying
// descriptor that the caller releases.
func (s *Stack) data(fd int) (*socket, int, error) {
	sock := s.lookup(fd)
	if sock == nil {
		return nil, -1, unix.EBADF
	}
	if !sock.has(connected) {
		return nil, -1, unix.ENOTCONN
	}
	sfd := sock.fd0.acquire()
	if sfd < 0 {
		return nil, -1, unix.EBADF
	}
	return sock, sfd, nil
}

// Managed descriptors are kernel descriptors, so the polling entry points
// multiplex managed and native interest sets with a single native call.

func (s *Stack) Select(nfd int, r, w, e *unix.FdSet, timeout *unix.Timeval) (int, error) {
	return unix.Select(nfd, r, w, e, timeout)
}

func (s *Stack) EpollCreate(size int) (int, error) {
	return unix.EpollCreate(size)
}

func (s *Stack) EpollCreate1(flags int) (int, error) {
	return unix.EpollCreate1(flags)
}

func (s *Stack) EpollCtl(epfd, op, fd int, event *unix.EpollEvent) error {
	return unix.EpollCtl(epfd, op, fd, event)
}

func (s *Stack) EpollWait(epfd int, events []unix.EpollEvent, msec int) (int, error) {
	return unix.EpollWait(epfd, events, msec)
}

func (s *Stack) EpollPwait(epfd int, events []unix.EpollEvent, msec int, sigmask *unix.Sigset_t) (int, error) {
	// x/sys/unix has no epoll_pwait wrapper.
	var ev unsafe.Pointer
	if len(events) > 0 {
		ev = unsafe.Pointer(&events[0])
	}
	n, _, errno := unix.Syscall6(unix.SYS_EPOLL_PWAIT,
		uintptr(epfd),
		uintptr(ev),
		uintptr(len(events)),
		uintptr(msec),
		uintptr(unsafe.Pointer(sigmask)),
		unsafe.Sizeof(unix.Sigset_t{}),
	)
	if errno != 0 {
		return -1, errno
	}
	return int(n), nil
}
