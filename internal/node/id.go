// Package node defines the identity of an overlay endpoint: an IPv4 address
// and a UDP port, with a fixed 8-byte wire form.
//
// An ID is a plain value. It never carries a socket; the socket-bearing local
// identity is the network.Transport that was opened for it.
package node

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"golang.org/x/crypto/sha3"
)

// WireSize is the encoded size of an ID.
const WireSize = 8

const familyINET = 2

var (
	ErrInvalidAddress = errors.New("invalid address")
	ErrBufferTooSmall = errors.New("buffer too small")
)

type ID struct {
	addr [4]byte
	port uint16
}

// New parses a dotted-quad IPv4 address. Only the strict four-part decimal
// form is accepted; shorthand such as "127.1" or hex parts like "0x7f.0.0.1"
// are rejected.
func New(addr string, port int) (ID, error) {
	if port < 0 || port > 0xffff {
		return ID{}, fmt.Errorf("%w: port %d", ErrInvalidAddress, port)
	}
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	ip = ip.Unmap()
	if !ip.Is4() {
		return ID{}, fmt.Errorf("%w: %q is not ipv4", ErrInvalidAddress, addr)
	}
	return ID{addr: ip.As4(), port: uint16(port)}, nil
}

// Parse accepts "A.B.C.D:port".
func Parse(s string) (ID, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return ID{}, fmt.Errorf("%w: port %q", ErrInvalidAddress, portStr)
	}
	return New(host, port)
}

func FromAddrPort(ap netip.AddrPort) (ID, error) {
	ip := ap.Addr().Unmap()
	if !ip.Is4() {
		return ID{}, fmt.Errorf("%w: %s is not ipv4", ErrInvalidAddress, ap)
	}
	return ID{addr: ip.As4(), port: ap.Port()}, nil
}

func FromUDPAddr(a *net.UDPAddr) (ID, error) {
	if a == nil {
		return ID{}, fmt.Errorf("%w: nil address", ErrInvalidAddress)
	}
	return FromAddrPort(a.AddrPort())
}

// Dup returns an address-only copy.
func (id ID) Dup() ID {
	return ID{addr: id.addr, port: id.port}
}

func (id ID) Equal(other ID) bool {
	return id.addr == other.addr && id.port == other.port
}

func (id ID) IsZero() bool {
	return id == ID{}
}

func (id ID) Addr() netip.Addr {
	return netip.AddrFrom4(id.addr)
}

func (id ID) Port() int {
	return int(id.port)
}

func (id ID) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(id.Addr(), id.port)
}

func (id ID) UDPAddr() *net.UDPAddr {
	return net.UDPAddrFromAddrPort(id.AddrPort())
}

func (id ID) String() string {
	return id.AddrPort().String()
}

// FormatTo writes the "A.B.C.D:port" form into b.
func (id ID) FormatTo(b []byte) (int, error) {
	s := id.String()
	if len(b) < len(s) {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrBufferTooSmall, len(s), len(b))
	}
	return copy(b, s), nil
}

// MarshalTo writes the wire form: family(2) port(2) addr(4), big-endian.
func (id ID) MarshalTo(b []byte) (int, error) {
	if len(b) < WireSize {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrBufferTooSmall, WireSize, len(b))
	}
	binary.BigEndian.PutUint16(b[0:2], familyINET)
	binary.BigEndian.PutUint16(b[2:4], id.port)
	copy(b[4:8], id.addr[:])
	return WireSize, nil
}

func (id ID) AppendBinary(b []byte) ([]byte, error) {
	var tmp [WireSize]byte
	if _, err := id.MarshalTo(tmp[:]); err != nil {
		return b, err
	}
	return append(b, tmp[:]...), nil
}

// Decode reads one ID. It always consumes WireSize bytes; the family field is
// copied through without validation.
func Decode(b []byte) (ID, int, error) {
	if len(b) < WireSize {
		return ID{}, 0, fmt.Errorf("%w: need %d bytes, have %d", ErrBufferTooSmall, WireSize, len(b))
	}
	var id ID
	id.port = binary.BigEndian.Uint16(b[2:4])
	copy(id.addr[:], b[4:8])
	return id, WireSize, nil
}

// Fingerprint is SHA3-256 over the wire form.
func (id ID) Fingerprint() [32]byte {
	var tmp [WireSize]byte
	_, _ = id.MarshalTo(tmp[:])
	return sha3.Sum256(tmp[:])
}
