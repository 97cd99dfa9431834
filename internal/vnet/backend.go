package vnet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fastpath/interpose/internal/ipam"
)

// Backend is the control side of the fast path. It listens on the control
// socket and assigns each session one address from the virtual network; the
// address is released when the control connection goes away.
type Backend struct {
	log  *zap.Logger
	lstn net.Listener

	mutex    sync.Mutex
	pool     *ipam.Pool
	sessions map[uuid.UUID]ipam.IPv4
}

func NewBackend(config *Config, log *zap.Logger) (*Backend, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}
	ip, ipnet, err := net.ParseCIDR(config.Network.IPv4)
	if err != nil {
		return nil, fmt.Errorf("network.ipv4: %w", err)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("network.ipv4: %s is not an IPv4 network", config.Network.IPv4)
	}
	prefix, _ := ipnet.Mask.Size()

	lstn, err := net.Listen("unix", config.Control.Socket)
	if err != nil {
		return nil, err
	}
	return &Backend{
		log:      log,
		lstn:     lstn,
		pool:     ipam.NewPool(ipam.IPv4(ip4), prefix),
		sessions: make(map[uuid.UUID]ipam.IPv4),
	}, nil
}

// Addr returns the address of the control socket.
func (b *Backend) Addr() net.Addr {
	return b.lstn.Addr()
}

func (b *Backend) Close() error {
	return b.lstn.Close()
}

// Serve accepts control connections until ctx is canceled or the listener
// fails. Each connection is served on its own goroutine; client mistakes are
// logged, not propagated, so one broken client cannot take the backend down.
func (b *Backend) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return b.lstn.Close()
	})
	g.Go(func() error {
		for {
			conn, err := b.lstn.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			g.Go(func() error {
				b.serve(ctx, conn)
				return nil
			})
		}
	})
	err := g.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (b *Backend) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var hello [helloSize]byte
	if _, err := io.ReadFull(conn, hello[:]); err != nil {
		b.log.Warn("control handshake failed", zap.Error(err))
		return
	}
	session, err := decodeHello(hello)

	status := statusOK
	var addr ipam.IPv4
	switch {
	case err != nil:
		b.log.Warn("control handshake rejected", zap.Error(err))
		status = statusRejected
	default:
		b.mutex.Lock()
		if _, taken := b.sessions[session]; taken {
			status = statusRejected
		} else if a, ok := b.pool.Get(); ok {
			addr = a
			b.sessions[session] = a
		} else {
			status = statusExhausted
		}
		b.mutex.Unlock()
	}

	ack := encodeAck(status, [4]byte(addr))
	if _, err := conn.Write(ack[:]); err != nil || status != statusOK {
		b.release(session, status)
		return
	}
	b.log.Info("session opened",
		zap.Stringer("session", session),
		zap.Stringer("addr", addr),
	)

	// Hold the address until the client side of the session goes away.
	io.Copy(io.Discard, conn)
	b.release(session, statusOK)
	b.log.Info("session closed", zap.Stringer("session", session))
}

func (b *Backend) release(session uuid.UUID, status byte) {
	if status != statusOK {
		return
	}
	b.mutex.Lock()
	if addr, ok := b.sessions[session]; ok {
		delete(b.sessions, session)
		b.pool.Put(addr)
	}
	b.mutex.Unlock()
}
