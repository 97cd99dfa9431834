package interpose

import "golang.org/x/sys/unix"

// The methods below follow the same protocol: make sure the fast path stack
// is up, offer the call to the stack, and when the stack reports the
// reserved "not managed" sentinel retry against the cached native
// implementation with identical arguments. Any other outcome, success or
// genuine failure, is returned verbatim.
//
// The sentinel is unix.EBADF on purpose: it is the value a well-behaved
// native call produces for a descriptor it does not recognize, so callers
// that inspect error codes keep consistent semantics. The comparison is by
// value equality, not errors.Is, because handlers return raw unix.Errno
// values.

// Socket is the one entry where routing is decided statically: only sockets
// matching the configured family and type are offered to the fast path,
// everything else is created natively. Flag bits in the type argument do not
// affect the decision and are passed through unchanged.
func (d *Dispatcher) Socket(domain, typ, protocol int) (int, error) {
	d.boot.Ensure()
	if domain != d.family || typ&^(unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC) != d.socktype {
		return d.native.socket(domain, typ, protocol)
	}
	return d.stack.Socket(domain, typ, protocol)
}

func (d *Dispatcher) Close(fd int) error {
	d.boot.Ensure()
	if err := d.stack.Close(fd); err != unix.EBADF {
		return err
	}
	return d.native.close_(fd)
}

func (d *Dispatcher) Shutdown(fd, how int) error {
	d.boot.Ensure()
	if err := d.stack.Shutdown(fd, how); err != unix.EBADF {
		return err
	}
	return d.native.shutdown(fd, how)
}

func (d *Dispatcher) Bind(fd int, sa unix.Sockaddr) error {
	d.boot.Ensure()
	if err := d.stack.Bind(fd, sa); err != unix.EBADF {
		return err
	}
	return d.native.bind(fd, sa)
}

func (d *Dispatcher) Connect(fd int, sa unix.Sockaddr) error {
	d.boot.Ensure()
	if err := d.stack.Connect(fd, sa); err != unix.EBADF {
		return err
	}
	return d.native.connect(fd, sa)
}

func (d *Dispatcher) Listen(fd, backlog int) error {
	d.boot.Ensure()
	if err := d.stack.Listen(fd, backlog); err != unix.EBADF {
		return err
	}
	return d.native.listen(fd, backlog)
}

func (d *Dispatcher) Accept(fd int) (int, unix.Sockaddr, error) {
	d.boot.Ensure()
	nfd, sa, err := d.stack.Accept(fd)
	if err == unix.EBADF {
		return d.native.accept(fd)
	}
	return nfd, sa, err
}

func (d *Dispatcher) Accept4(fd, flags int) (int, unix.Sockaddr, error) {
	d.boot.Ensure()
	nfd, sa, err := d.stack.Accept4(fd, flags)
	if err == unix.EBADF {
		return d.native.accept4(fd, flags)
	}
	return nfd, sa, err
}

func (d *Dispatcher) Fcntl(fd, cmd, arg int) (int, error) {
	d.boot.Ensure()
	v, err := d.stack.Fcntl(fd, cmd, arg)
	if err == unix.EBADF {
		return d.native.fcntl(fd, cmd, arg)
	}
	return v, err
}

func (d *Dispatcher) GetsockoptInt(fd, level, opt int) (int, error) {
	d.boot.Ensure()
	v, err := d.stack.GetsockoptInt(fd, level, opt)
	if err == unix.EBADF {
		return d.native.getsockopt(fd, level, opt)
	}
	return v, err
}

func (d *Dispatcher) SetsockoptInt(fd, level, opt, value int) error {
	d.boot.Ensure()
	if err := d.stack.SetsockoptInt(fd, level, opt, value); err != unix.EBADF {
		return err
	}
	return d.native.setsockopt(fd, level, opt, value)
}

func (d *Dispatcher) Getsockname(fd int) (unix.Sockaddr, error) {
	d.boot.Ensure()
	sa, err := d.stack.Getsockname(fd)
	if err == unix.EBADF {
		return d.native.getsockname(fd)
	}
	return sa, err
}

func (d *Dispatcher) Getpeername(fd int) (unix.Sockaddr, error) {
	d.boot.Ensure()
	sa, err := d.stack.Getpeername(fd)
	if err == unix.EBADF {
		return d.native.getpeername(fd)
	}
	return sa, err
}

func (d *Dispatcher) Read(fd int, p []byte) (int, error) {
	d.boot.Ensure()
	n, err := d.stack.Read(fd, p)
	if err == unix.EBADF {
		return d.native.read(fd, p)
	}
	return n, err
}

func (d *Dispatcher) Recv(fd int, p []byte, flags int) (int, error) {
	d.boot.Ensure()
	n, err := d.stack.Recv(fd, p, flags)
	if err == unix.EBADF {
		return d.native.recv(fd, p, flags)
	}
	return n, err
}

func (d *Dispatcher) Recvfrom(fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	d.boot.Ensure()
	n, from, err := d.stack.Recvfrom(fd, p, flags)
	if err == unix.EBADF {
		return d.native.recvfrom(fd, p, flags)
	}
	return n, from, err
}

func (d *Dispatcher) Recvmsg(fd int, p, oob []byte, flags int) (int, int, int, unix.Sockaddr, error) {
	d.boot.Ensure()
	n, oobn, recvflags, from, err := d.stack.Recvmsg(fd, p, oob, flags)
	if err == unix.EBADF {
		return d.native.recvmsg(fd, p, oob, flags)
	}
	return n, oobn, recvflags, from, err
}

func (d *Dispatcher) Write(fd int, p []byte) (int, error) {
	d.boot.Ensure()
	n, err := d.stack.Write(fd, p)
	if err == unix.EBADF {
		return d.native.write(fd, p)
	}
	return n, err
}

func (d *Dispatcher) Send(fd int, p []byte, flags int) (int, error) {
	d.boot.Ensure()
	n, err := d.stack.Send(fd, p, flags)
	if err == unix.EBADF {
		return d.native.send(fd, p, flags)
	}
	return n, err
}

func (d *Dispatcher) Sendto(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	d.boot.Ensure()
	n, err := d.stack.Sendto(fd, p, flags, to)
	if err == unix.EBADF {
		return d.native.sendto(fd, p, flags, to)
	}
	return n, err
}

func (d *Dispatcher) Sendmsg(fd int, p, oob []byte, flags int, to unix.Sockaddr) (int, error) {
	d.boot.Ensure()
	n, err := d.stack.Sendmsg(fd, p, oob, flags, to)
	if err == unix.EBADF {
		return d.native.sendmsg(fd, p, oob, flags, to)
	}
	return n, err
}

// The polling family is handled entirely by the fast path stack: a readiness
// set may mix managed and native descriptors, so the stack must multiplex
// across both and there is no per-descriptor fallback the dispatcher could
// apply.

func (d *Dispatcher) Select(nfd int, r, w, e *unix.FdSet, timeout *unix.Timeval) (int, error) {
	d.boot.Ensure()
	return d.stack.Select(nfd, r, w, e, timeout)
}

func (d *Dispatcher) EpollCreate(size int) (int, error) {
	d.boot.Ensure()
	return d.stack.EpollCreate(size)
}

func (d *Dispatcher) EpollCreate1(flags int) (int, error) {
	d.boot.Ensure()
	return d.stack.EpollCreate1(flags)
}

func (d *Dispatcher) EpollCtl(epfd, op, fd int, event *unix.EpollEvent) error {
	d.boot.Ensure()
	return d.stack.EpollCtl(epfd, op, fd, event)
}

func (d *Dispatcher) EpollWait(epfd int, events []unix.EpollEvent, msec int) (int, error) {
	d.boot.Ensure()
	return d.stack.EpollWait(epfd, events, msec)
}

func (d *Dispatcher) EpollPwait(epfd int, events []unix.EpollEvent, msec int, sigmask *unix.Sigset_t) (int, error) {
	d.boot.Ensure()
	return d.stack.EpollPwait(epfd, events, msec, sigmask)
}
