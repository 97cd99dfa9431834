package interpose

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// NativeResolver locates the native implementation of an intercepted call by
// name. It is the moral equivalent of looking up the next symbol in a call
// interception chain; the resolver installed by default returns the raw
// system call wrappers.
//
// The names are the ones of the intercepted calls that have a per-descriptor
// native fallback: socket, close, shutdown, bind, connect, listen, accept,
// accept4, fcntl, getsockopt, setsockopt, getsockname, getpeername, read,
// recv, recvfrom, recvmsg, write, send, sendto, sendmsg. The polling family
// has no native fallback and is never resolved.
type NativeResolver interface {
	Resolve(name string) (impl any, ok bool)
}

// nativeTable caches the resolved native implementations. It is populated
// exactly once before the fast path stack initializes, and read-only shared
// by all goroutines afterwards.
type nativeTable struct {
	socket        func(domain, typ, protocol int) (int, error)
	close_        func(fd int) error
	shutdown      func(fd, how int) error
	bind          func(fd int, sa unix.Sockaddr) error
	connect       func(fd int, sa unix.Sockaddr) error
	listen        func(fd, backlog int) error
	accept        func(fd int) (int, unix.Sockaddr, error)
	accept4       func(fd, flags int) (int, unix.Sockaddr, error)
	fcntl         func(fd, cmd, arg int) (int, error)
	getsockopt    func(fd, level, opt int) (int, error)
	setsockopt    func(fd, level, opt, value int) error
	getsockname   func(fd int) (unix.Sockaddr, error)
	getpeername   func(fd int) (unix.Sockaddr, error)
	read          func(fd int, p []byte) (int, error)
	recv          func(fd int, p []byte, flags int) (int, error)
	recvfrom      func(fd int, p []byte, flags int) (int, unix.Sockaddr, error)
	recvmsg       func(fd int, p, oob []byte, flags int) (int, int, int, unix.Sockaddr, error)
	write         func(fd int, p []byte) (int, error)
	send          func(fd int, p []byte, flags int) (int, error)
	sendto        func(fd int, p []byte, flags int, to unix.Sockaddr) (int, error)
	sendmsg       func(fd int, p, oob []byte, flags int, to unix.Sockaddr) (int, error)
}

// resolveNativeTable resolves every entry of the table. A missing or
// mistyped entry leaves the layer without a safe fallback path, the caller
// treats the error as fatal.
func resolveNativeTable(r NativeResolver) (*nativeTable, error) {
	t := new(nativeTable)
	err := firstError(
		resolve(r, "socket", &t.socket),
		resolve(r, "close", &t.close_),
		resolve(r, "shutdown", &t.shutdown),
		resolve(r, "bind", &t.bind),
		resolve(r, "connect", &t.connect),
		resolve(r, "listen", &t.listen),
		resolve(r, "accept", &t.accept),
		resolve(r, "accept4", &t.accept4),
		resolve(r, "fcntl", &t.fcntl),
		resolve(r, "getsockopt", &t.getsockopt),
		resolve(r, "setsockopt", &t.setsockopt),
		resolve(r, "getsockname", &t.getsockname),
		resolve(r, "getpeername", &t.getpeername),
		resolve(r, "read", &t.read),
		resolve(r, "recv", &t.recv),
		resolve(r, "recvfrom", &t.recvfrom),
		resolve(r, "recvmsg", &t.recvmsg),
		resolve(r, "write", &t.write),
		resolve(r, "send", &t.send),
		resolve(r, "sendto", &t.sendto),
		resolve(r, "sendmsg", &t.sendmsg),
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func resolve[F any](r NativeResolver, name string, fn *F) error {
	v, ok := r.Resolve(name)
	if !ok {
		return fmt.Errorf("native call %q not found", name)
	}
	f, ok := v.(F)
	if !ok {
		return fmt.Errorf("native call %q resolved to %T", name, v)
	}
	*fn = f
	return nil
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// SystemResolver returns the resolver for the operating system's own socket
// implementation. Errors produced by the resolved calls are unix.Errno
// values, exactly as a caller of the raw system calls would see them.
func SystemResolver() NativeResolver {
	return systemResolver{}
}

type systemResolver struct{}

func (systemResolver) Resolve(name string) (any, bool) {
	impl, ok := systemCalls[name]
	return impl, ok
}

var systemCalls = map[string]any{
	"socket": func(domain, typ, protocol int) (int, error) {
		return unix.Socket(domain, typ, protocol)
	},
	"close":    unix.Close,
	"shutdown": unix.Shutdown,
	"bind":     unix.Bind,
	"connect":  unix.Connect,
	"listen":   unix.Listen,
	"accept":   unix.Accept,
	"accept4":  unix.Accept4,
	"fcntl": func(fd, cmd, arg int) (int, error) {
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	},
	"getsockopt":  unix.GetsockoptInt,
	"setsockopt":  unix.SetsockoptInt,
	"getsockname": unix.Getsockname,
	"getpeername": unix.Getpeername,
	"read":        unix.Read,
	"recv": func(fd int, p []byte, flags int) (int, error) {
		n, _, err := unix.Recvfrom(fd, p, flags)
		return n, err
	},
	"recvfrom": unix.Recvfrom,
	"recvmsg":  unix.Recvmsg,
	"write":    unix.Write,
	"send": func(fd int, p []byte, flags int) (int, error) {
		return unix.SendmsgN(fd, p, nil, nil, flags)
	},
	"sendto": func(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
		return unix.SendmsgN(fd, p, nil, to, flags)
	},
	"sendmsg": func(fd int, p, oob []byte, flags int, to unix.Sockaddr) (int, error) {
		return unix.SendmsgN(fd, p, oob, to, flags)
	},
}
