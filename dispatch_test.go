package interpose_test

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/fastpath/interpose"
	"github.com/fastpath/interpose/internal/assert"
)

// fakeStack manages a synthetic descriptor namespace starting far above any
// real descriptor and answers everything else with EBADF, which is the
// signal the dispatcher reroutes on.
type fakeStack struct {
	init      func(boot interpose.Calls) error
	initCount atomic.Int32

	mutex   sync.Mutex
	next    int
	managed map[int]struct{}

	connectErr error
	pollErr    error
}

func newFakeStack() *fakeStack {
	return &fakeStack{next: 1 << 20, managed: make(map[int]struct{})}
}

func (s *fakeStack) Init(boot interpose.Calls) error {
	s.initCount.Add(1)
	if s.init != nil {
		return s.init(boot)
	}
	return nil
}

func (s *fakeStack) owns(fd int) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.managed[fd]; !ok {
		return unix.EBADF
	}
	return nil
}

func (s *fakeStack) Socket(domain, typ, protocol int) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	fd := s.next
	s.next++
	s.managed[fd] = struct{}{}
	return fd, nil
}

func (s *fakeStack) Close(fd int) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.managed[fd]; !ok {
		return unix.EBADF
	}
	delete(s.managed, fd)
	return nil
}

func (s *fakeStack) Shutdown(fd, how int) error { return s.owns(fd) }

func (s *fakeStack) Bind(fd int, sa unix.Sockaddr) error { return s.owns(fd) }

func (s *fakeStack) Connect(fd int, sa unix.Sockaddr) error {
	if err := s.owns(fd); err != nil {
		return err
	}
	return s.connectErr
}

func (s *fakeStack) Listen(fd, backlog int) error { return s.owns(fd) }

func (s *fakeStack) Accept(fd int) (int, unix.Sockaddr, error) {
	return s.Accept4(fd, 0)
}

func (s *fakeStack) Accept4(fd, flags int) (int, unix.Sockaddr, error) {
	if err := s.owns(fd); err != nil {
		return -1, nil, err
	}
	conn, _ := s.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	return conn, &unix.SockaddrInet4{}, nil
}

func (s *fakeStack) Fcntl(fd, cmd, arg int) (int, error) {
	if err := s.owns(fd); err != nil {
		return -1, err
	}
	return 0, nil
}

func (s *fakeStack) GetsockoptInt(fd, level, opt int) (int, error) {
	if err := s.owns(fd); err != nil {
		return -1, err
	}
	return 0, nil
}

func (s *fakeStack) SetsockoptInt(fd, level, opt, value int) error { return s.owns(fd) }

func (s *fakeStack) Getsockname(fd int) (unix.Sockaddr, error) {
	if err := s.owns(fd); err != nil {
		return nil, err
	}
	return &unix.SockaddrInet4{}, nil
}

func (s *fakeStack) Getpeername(fd int) (unix.Sockaddr, error) {
	if err := s.owns(fd); err != nil {
		return nil, err
	}
	return &unix.SockaddrInet4{}, nil
}

func (s *fakeStack) Read(fd int, p []byte) (int, error) {
	if err := s.owns(fd); err != nil {
		return -1, err
	}
	return 0, nil
}

func (s *fakeStack) Recv(fd int, p []byte, flags int) (int, error) {
	return s.Read(fd, p)
}

func (s *fakeStack) Recvfrom(fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	n, err := s.Read(fd, p)
	return n, nil, err
}

func (s *fakeStack) Recvmsg(fd int, p, oob []byte, flags int) (int, int, int, unix.Sockaddr, error) {
	n, err := s.Read(fd, p)
	return n, 0, 0, nil, err
}

func (s *fakeStack) Write(fd int, p []byte) (int, error) {
	if err := s.owns(fd); err != nil {
		return -1, err
	}
	return len(p), nil
}

func (s *fakeStack) Send(fd int, p []byte, flags int) (int, error) {
	return s.Write(fd, p)
}

func (s *fakeStack) Sendto(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	return s.Write(fd, p)
}

func (s *fakeStack) Sendmsg(fd int, p, oob []byte, flags int, to unix.Sockaddr) (int, error) {
	return s.Write(fd, p)
}

func (s *fakeStack) Select(nfd int, r, w, e *unix.FdSet, timeout *unix.Timeval) (int, error) {
	return 0, s.pollErr
}

func (s *fakeStack) EpollCreate(size int) (int, error) { return s.Socket(0, 0, 0) }

func (s *fakeStack) EpollCreate1(flags int) (int, error) { return s.Socket(0, 0, 0) }

func (s *fakeStack) EpollCtl(epfd, op, fd int, event *unix.EpollEvent) error {
	return s.pollErr
}

func (s *fakeStack) EpollWait(epfd int, events []unix.EpollEvent, msec int) (int, error) {
	return 0, s.pollErr
}

func (s *fakeStack) EpollPwait(epfd int, events []unix.EpollEvent, msec int, sigmask *unix.Sigset_t) (int, error) {
	return 0, s.pollErr
}

// nativeRecorder resolves every native call to an implementation that logs
// its arguments and succeeds with canned values.
type nativeRecorder struct {
	mutex sync.Mutex
	calls []string
	impl  map[string]any
}

func (r *nativeRecorder) Resolve(name string) (any, bool) {
	impl, ok := r.impl[name]
	return impl, ok
}

func (r *nativeRecorder) record(format string, args ...any) {
	r.mutex.Lock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
	r.mutex.Unlock()
}

func (r *nativeRecorder) seen() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]string(nil), r.calls...)
}

func newNativeRecorder() *nativeRecorder {
	r := new(nativeRecorder)
	r.impl = map[string]any{
		"socket": func(domain, typ, protocol int) (int, error) {
			r.record("socket(%d,%d,%d)", domain, typ, protocol)
			return 42, nil
		},
		"close": func(fd int) error {
			r.record("close(%d)", fd)
			return nil
		},
		"shutdown": func(fd, how int) error {
			r.record("shutdown(%d,%d)", fd, how)
			return nil
		},
		"bind": func(fd int, sa unix.Sockaddr) error {
			r.record("bind(%d)", fd)
			return nil
		},
		"connect": func(fd int, sa unix.Sockaddr) error {
			r.record("connect(%d)", fd)
			return nil
		},
		"listen": func(fd, backlog int) error {
			r.record("listen(%d,%d)", fd, backlog)
			return nil
		},
		"accept": func(fd int) (int, unix.Sockaddr, error) {
			r.record("accept(%d)", fd)
			return 43, &unix.SockaddrInet4{}, nil
		},
		"accept4": func(fd, flags int) (int, unix.Sockaddr, error) {
			r.record("accept4(%d,%d)", fd, flags)
			return 43, &unix.SockaddrInet4{}, nil
		},
		"fcntl": func(fd, cmd, arg int) (int, error) {
			r.record("fcntl(%d,%d,%d)", fd, cmd, arg)
			return arg, nil
		},
		"getsockopt": func(fd, level, opt int) (int, error) {
			r.record("getsockopt(%d,%d,%d)", fd, level, opt)
			return 0, nil
		},
		"setsockopt": func(fd, level, opt, value int) error {
			r.record("setsockopt(%d,%d,%d,%d)", fd, level, opt, value)
			return nil
		},
		"getsockname": func(fd int) (unix.Sockaddr, error) {
			r.record("getsockname(%d)", fd)
			return &unix.SockaddrInet4{}, nil
		},
		"getpeername": func(fd int) (unix.Sockaddr, error) {
			r.record("getpeername(%d)", fd)
			return &unix.SockaddrInet4{}, nil
		},
		"read": func(fd int, p []byte) (int, error) {
			r.record("read(%d,%d)", fd, len(p))
			return len(p), nil
		},
		"recv": func(fd int, p []byte, flags int) (int, error) {
			r.record("recv(%d,%d,%d)", fd, len(p), flags)
			return len(p), nil
		},
		"recvfrom": func(fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
			r.record("recvfrom(%d,%d,%d)", fd, len(p), flags)
			return len(p), &unix.SockaddrInet4{}, nil
		},
		"recvmsg": func(fd int, p, oob []byte, flags int) (int, int, int, unix.Sockaddr, error) {
			r.record("recvmsg(%d,%d,%d)", fd, len(p), flags)
			return len(p), 0, 0, &unix.SockaddrInet4{}, nil
		},
		"write": func(fd int, p []byte) (int, error) {
			r.record("write(%d,%d)", fd, len(p))
			return len(p), nil
		},
		"send": func(fd int, p []byte, flags int) (int, error) {
			r.record("send(%d,%d,%d)", fd, len(p), flags)
			return len(p), nil
		},
		"sendto": func(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
			r.record("sendto(%d,%d,%d)", fd, len(p), flags)
			return len(p), nil
		},
		"sendmsg": func(fd int, p, oob []byte, flags int, to unix.Sockaddr) (int, error) {
			r.record("sendmsg(%d,%d,%d)", fd, len(p), flags)
			return len(p), nil
		},
	}
	return r
}

func TestSocketFilter(t *testing.T) {
	stack := newFakeStack()
	native := newNativeRecorder()
	d := interpose.New(stack, interpose.Resolver(native))

	fd, err := d.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	assert.OK(t, err)
	assert.OK(t, stack.owns(fd))

	// Type flag bits do not change the routing decision.
	fd, err = d.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	assert.OK(t, err)
	assert.OK(t, stack.owns(fd))

	fd, err = d.Socket(unix.AF_INET6, unix.SOCK_STREAM, 0)
	assert.OK(t, err)
	assert.Equal(t, fd, 42)

	fd, err = d.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	assert.OK(t, err)
	assert.Equal(t, fd, 42)

	assert.DeepEqual(t, native.seen(), []string{
		fmt.Sprintf("socket(%d,%d,0)", unix.AF_INET6, unix.SOCK_STREAM),
		fmt.Sprintf("socket(%d,%d,0)", unix.AF_INET, unix.SOCK_DGRAM),
	})
}

func TestFilterOption(t *testing.T) {
	stack := newFakeStack()
	native := newNativeRecorder()
	d := interpose.New(stack,
		interpose.Resolver(native),
		interpose.Filter(unix.AF_INET6, unix.SOCK_STREAM),
	)

	fd, err := d.Socket(unix.AF_INET6, unix.SOCK_STREAM, 0)
	assert.OK(t, err)
	assert.OK(t, stack.owns(fd))

	fd, err = d.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	assert.OK(t, err)
	assert.Equal(t, fd, 42)
}

func TestUnmanagedDescriptorsFallBackNatively(t *testing.T) {
	stack := newFakeStack()
	native := newNativeRecorder()
	d := interpose.New(stack, interpose.Resolver(native))

	// None of these descriptors belong to the stack; every call must reach
	// the native implementation with the arguments it was given.
	const fd = 7

	v, err := d.Fcntl(fd, unix.F_GETFL, 123)
	assert.OK(t, err)
	assert.Equal(t, v, 123)

	n, err := d.Write(fd, make([]byte, 11))
	assert.OK(t, err)
	assert.Equal(t, n, 11)

	_, err = d.Getsockname(fd)
	assert.OK(t, err)

	assert.OK(t, d.Close(fd))

	assert.DeepEqual(t, native.seen(), []string{
		fmt.Sprintf("fcntl(7,%d,123)", unix.F_GETFL),
		"write(7,11)",
		"getsockname(7)",
		"close(7)",
	})
}

func TestManagedDescriptorsNeverReachNative(t *testing.T) {
	stack := newFakeStack()
	native := newNativeRecorder()
	d := interpose.New(stack, interpose.Resolver(native))

	fd, err := d.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	assert.OK(t, err)
	assert.OK(t, d.Bind(fd, &unix.SockaddrInet4{Port: 80}))
	assert.OK(t, d.Listen(fd, 128))
	conn, _, err := d.Accept(fd)
	assert.OK(t, err)
	assert.OK(t, d.Close(conn))
	assert.OK(t, d.Close(fd))

	// Closing again falls through: the stack gave the descriptor up.
	assert.OK(t, d.Close(fd))
	assert.DeepEqual(t, native.seen(), []string{fmt.Sprintf("close(%d)", fd)})
}

func TestStackErrorsAreNotRetriedNatively(t *testing.T) {
	stack := newFakeStack()
	native := newNativeRecorder()
	d := interpose.New(stack, interpose.Resolver(native))

	stack.connectErr = unix.ECONNREFUSED
	fd, err := d.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	assert.OK(t, err)
	err = d.Connect(fd, &unix.SockaddrInet4{Port: 80, Addr: [4]byte{127, 0, 0, 1}})
	assert.Error(t, err, unix.ECONNREFUSED)
	assert.Equal(t, len(native.seen()), 0)
}

func TestPollingHasNoNativeFallback(t *testing.T) {
	stack := newFakeStack()
	native := newNativeRecorder()
	d := interpose.New(stack, interpose.Resolver(native))

	// Even the reserved routing value comes back to the caller untouched
	// when produced by a polling entry point.
	stack.pollErr = unix.EBADF
	_, err := d.EpollWait(9, nil, 0)
	assert.Error(t, err, unix.EBADF)
	err = d.EpollCtl(9, unix.EPOLL_CTL_ADD, 7, &unix.EpollEvent{})
	assert.Error(t, err, unix.EBADF)
	_, err = d.Select(8, nil, nil, nil, nil)
	assert.Error(t, err, unix.EBADF)
	assert.Equal(t, len(native.seen()), 0)
}

func TestInitializationRunsOnceAcrossConcurrentCalls(t *testing.T) {
	stack := newFakeStack()
	native := newNativeRecorder()
	stack.init = func(boot interpose.Calls) error {
		// Widen the window in which concurrent callers pile up.
		time.Sleep(time.Millisecond)
		return nil
	}
	d := interpose.New(stack, interpose.Resolver(native))

	g := new(errgroup.Group)
	for i := 0; i < 100; i++ {
		i := i
		g.Go(func() error {
			switch i % 3 {
			case 0:
				_, err := d.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
				return err
			case 1:
				_, err := d.Fcntl(7, unix.F_GETFL, 0)
				return err
			default:
				_, err := d.EpollCreate1(0)
				return err
			}
		})
	}
	assert.OK(t, g.Wait())
	assert.Equal(t, stack.initCount.Load(), 1)
}

func TestBootstrapCallsRouteNatively(t *testing.T) {
	stack := newFakeStack()
	native := newNativeRecorder()
	stack.init = func(boot interpose.Calls) error {
		// The calls a stack makes to reach its backend re-enter the
		// dispatcher from inside initialization and must pass through to
		// the native implementations without deadlocking.
		fd, err := boot.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
		if err != nil {
			return err
		}
		if err := boot.Connect(fd, &unix.SockaddrUnix{Name: "@control"}); err != nil {
			return err
		}
		if _, err := boot.Write(fd, []byte("hello")); err != nil {
			return err
		}
		return boot.Close(fd)
	}
	d := interpose.New(stack, interpose.Resolver(native))

	fd, err := d.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	assert.OK(t, err)
	assert.OK(t, stack.owns(fd))

	assert.DeepEqual(t, native.seen(), []string{
		fmt.Sprintf("socket(%d,%d,0)", unix.AF_UNIX, unix.SOCK_STREAM),
		"connect(42)",
		"write(42,5)",
		"close(42)",
	})
}
