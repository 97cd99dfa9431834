// Package interpose implements a transparent interception layer placed
// between an application and the operating system's socket API.
//
// Stream sockets matching the fast path filter are served by a userspace
// networking stack; every other descriptor falls through to the native
// implementation with no observable difference for the caller. The layer
// itself implements no networking semantics, only the routing decision and
// the startup safety protocol: the fast path stack initializes lazily,
// exactly once, on the first intercepted call, and the calls the stack makes
// to bootstrap its own control channel pass through the layer without
// deadlocking on the initialization they triggered.
//
// The package targets Linux; the intercepted surface includes the epoll
// family.
package interpose

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/fastpath/interpose/internal/bootstrap"
)

// Calls is the intercepted socket call surface. Signatures, return shapes and
// error conventions match the golang.org/x/sys/unix wrappers: descriptors are
// plain ints and failures surface as unix.Errno values, so a caller cannot
// tell an intercepted call from a native one.
type Calls interface {
	Socket(domain, typ, protocol int) (int, error)
	Close(fd int) error
	Shutdown(fd, how int) error
	Bind(fd int, sa unix.Sockaddr) error
	Connect(fd int, sa unix.Sockaddr) error
	Listen(fd, backlog int) error
	Accept(fd int) (int, unix.Sockaddr, error)
	Accept4(fd, flags int) (int, unix.Sockaddr, error)
	Fcntl(fd, cmd, arg int) (int, error)
	GetsockoptInt(fd, level, opt int) (int, error)
	SetsockoptInt(fd, level, opt, value int) error
	Getsockname(fd int) (unix.Sockaddr, error)
	Getpeername(fd int) (unix.Sockaddr, error)
	Read(fd int, p []byte) (int, error)
	Recv(fd int, p []byte, flags int) (int, error)
	Recvfrom(fd int, p []byte, flags int) (int, unix.Sockaddr, error)
	Recvmsg(fd int, p, oob []byte, flags int) (n, oobn, recvflags int, from unix.Sockaddr, err error)
	Write(fd int, p []byte) (int, error)
	Send(fd int, p []byte, flags int) (int, error)
	Sendto(fd int, p []byte, flags int, to unix.Sockaddr) (int, error)
	Sendmsg(fd int, p, oob []byte, flags int, to unix.Sockaddr) (int, error)
	Select(nfd int, r, w, e *unix.FdSet, timeout *unix.Timeval) (int, error)
	EpollCreate(size int) (int, error)
	EpollCreate1(flags int) (int, error)
	EpollCtl(epfd, op, fd int, event *unix.EpollEvent) error
	EpollWait(epfd int, events []unix.EpollEvent, msec int) (int, error)
	EpollPwait(epfd int, events []unix.EpollEvent, msec int, sigmask *unix.Sigset_t) (int, error)
}

// Stack is the contract expected from the fast path networking stack. The
// stack owns its own descriptor namespace: each handler serves descriptors
// the stack manages and returns unix.EBADF, and only unix.EBADF, for any
// descriptor it does not. That value is the routing signal the dispatcher
// falls back to the native implementation on; a handler reporting a genuine
// failure must never use it.
//
// The polling handlers (Select, Epoll*) are expected to multiplex managed
// and native descriptors alike, the dispatcher never falls back for those.
type Stack interface {
	Calls

	// Init brings the stack up. It runs at most once per process, on the
	// first intercepted call, and may use the boot surface to establish the
	// stack's control channel: calls made through it are routed by the
	// dispatcher as usual, falling through to the native implementation
	// because the stack cannot claim descriptors yet.
	Init(boot Calls) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// Logger sets the logger used to report initialization lifecycle events and
// fatal errors. The default discards everything.
func Logger(log *zap.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

// Resolver sets the resolver used to locate the native implementations.
// Defaults to SystemResolver.
func Resolver(r NativeResolver) Option {
	return func(d *Dispatcher) { d.resolver = r }
}

// Filter sets the address family and socket type offered to the fast path
// when sockets are created. Type flag bits (SOCK_NONBLOCK, SOCK_CLOEXEC) are
// ignored by the comparison. Defaults to AF_INET stream sockets.
func Filter(family, socktype int) Option {
	return func(d *Dispatcher) { d.family, d.socktype = family, socktype }
}

// Dispatcher routes every intercepted socket call to the fast path stack or
// to the native implementation. It implements Calls; the zero value is not
// usable, construct instances with New.
//
// All methods are safe to call concurrently, including during the
// initialization window: the first caller runs initialization, concurrent
// callers wait for it, and calls issued by the initialization routine itself
// pass through.
type Dispatcher struct {
	stack    Stack
	resolver NativeResolver
	log      *zap.Logger
	family   int
	socktype int

	boot *bootstrap.Once

	// Written once by the initializing goroutine before the ready state is
	// published, read-only afterwards.
	native *nativeTable
}

// New constructs a dispatcher routing matching sockets to the given stack.
// No initialization happens here; the stack is brought up by the first
// intercepted call.
func New(stack Stack, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		stack:    stack,
		resolver: SystemResolver(),
		log:      zap.NewNop(),
		family:   unix.AF_INET,
		socktype: unix.SOCK_STREAM,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.boot = bootstrap.New(d.initialize, d.fatal)
	return d
}

func (d *Dispatcher) initialize() error {
	table, err := resolveNativeTable(d.resolver)
	if err != nil {
		return err
	}
	// The table must be in place before the stack starts: the calls the
	// stack makes to reach its backend come back through the dispatcher and
	// land on the native implementations.
	d.native = table
	d.log.Info("native call table resolved")

	if err := d.stack.Init(d); err != nil {
		return fmt.Errorf("fast path stack initialization: %w", err)
	}
	d.log.Info("fast path stack initialized")
	return nil
}

// fatal aborts the process. A missing native call or a failed stack
// initialization leaves the layer unable to guarantee correct fallback
// behavior, so there is no degraded mode and nothing for callers to catch.
func (d *Dispatcher) fatal(err error) {
	d.log.Fatal("socket interposition failed to initialize", zap.Error(err))
}
