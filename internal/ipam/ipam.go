// Package ipam implements IPv4 address management for the fast path control
// backend, which assigns one address per session from a configured network.
package ipam

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"net/netip"
)

// IPv4 is an IPv4 address in network byte order.
type IPv4 [4]byte

func (ip IPv4) String() string {
	return ip.Addr().String()
}

func (ip IPv4) Addr() netip.Addr {
	return netip.AddrFrom4(ip)
}

func (ip IPv4) add(n int) IPv4 {
	u := binary.BigEndian.Uint32(ip[:])
	binary.BigEndian.PutUint32(ip[:], u+uint32(n))
	return ip
}

func (ip IPv4) sub(base IPv4) int {
	u := binary.BigEndian.Uint32(ip[:])
	v := binary.BigEndian.Uint32(base[:])
	return int(u - v)
}

func (ip IPv4) mask(n int) IPv4 {
	m := ^uint32(0) << uint(32-n)
	binary.BigEndian.PutUint32(ip[:], m)
	return ip
}

func (ip IPv4) prefix(mask IPv4) IPv4 {
	u := binary.BigEndian.Uint32(ip[:])
	v := binary.BigEndian.Uint32(mask[:])
	binary.BigEndian.PutUint32(ip[:], u&v)
	return ip
}

// Pool hands out the addresses of an IPv4 network, lowest first, recycling
// released addresses. The zero value is not usable, construct pools with
// NewPool. Pools are not safe for concurrent use, callers synchronize.
type Pool struct {
	mask IPv4
	addr IPv4
	base IPv4
	bits bitset
}

// NewPool constructs a pool for the network of the given address and prefix
// length; the address itself is the first one handed out.
func NewPool(ip IPv4, nbits int) *Pool {
	p := new(Pool)
	p.mask = ip.mask(nbits)
	p.addr = ip.prefix(p.mask)
	p.base = ip
	return p
}

func (p *Pool) String() string {
	u := binary.BigEndian.Uint32(p.mask[:])
	return fmt.Sprintf("%s/%d", p.base, 32-bits.TrailingZeros32(u))
}

// Get obtains the next free address, reporting false when the network is
// exhausted.
func (p *Pool) Get() (IPv4, bool) {
	i := p.bits.findFirstZeroBit()
	a := p.base.add(i)

	if a.prefix(p.mask) != p.addr {
		return a, false
	}
	p.bits.grow(i + 1)
	p.bits.set(i)
	return a, true
}

// Put returns an address to the pool. The address must have been obtained by
// a previous call to Get or the method panics.
func (p *Pool) Put(ip IPv4) {
	i := ip.sub(p.base)
	if !p.bits.has(i) {
		panic("BUG: unused address returned to pool")
	}
	p.bits.unset(i)
}

type bitset struct {
	bits []uint64
}

func (b *bitset) grow(n int) {
	if n = (n + 63) / 64; n > len(b.bits) {
		bits := make([]uint64, n)
		copy(bits, b.bits)
		b.bits = bits
	}
}

func (b *bitset) has(i int) bool {
	return (b.bits[uint(i)/64] & (1 << (uint(i) % 64))) != 0
}

func (b *bitset) set(i int) {
	b.bits[uint(i)/64] |= 1 << (uint(i) % 64)
}

func (b *bitset) unset(i int) {
	b.bits[uint(i)/64] &= ^uint64(1 << (uint(i) % 64))
}

func (b *bitset) findFirstZeroBit() int {
	for i, v := range b.bits {
		if v != ^uint64(0) {
			return 64*i + bits.TrailingZeros64(^v)
		}
	}
	return 64 * len(b.bits)
}
