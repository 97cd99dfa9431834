package vnet

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

// Control channel handshake. The client opens a session by sending a hello
// carrying its session id; the backend answers with an ack carrying the
// virtual address assigned to the session. The connection then idles, its
// lifetime is the lifetime of the session.
const (
	controlVersion = 1

	helloSize = 4 + 1 + 16 // magic, version, session id
	ackSize   = 4 + 1 + 4  // magic, status, assigned IPv4 address
)

var controlMagic = [4]byte{'F', 'P', 'C', '0'}

const (
	statusOK byte = iota
	statusRejected
	statusExhausted
)

func encodeHello(session uuid.UUID) (b [helloSize]byte) {
	copy(b[0:4], controlMagic[:])
	b[4] = controlVersion
	copy(b[5:], session[:])
	return b
}

func decodeHello(b [helloSize]byte) (uuid.UUID, error) {
	if !bytes.Equal(b[0:4], controlMagic[:]) {
		return uuid.UUID{}, fmt.Errorf("not a control channel hello")
	}
	if b[4] != controlVersion {
		return uuid.UUID{}, fmt.Errorf("unsupported control protocol version %d", b[4])
	}
	var session uuid.UUID
	copy(session[:], b[5:])
	return session, nil
}

func encodeAck(status byte, addr [4]byte) (b [ackSize]byte) {
	copy(b[0:4], controlMagic[:])
	b[4] = status
	copy(b[5:], addr[:])
	return b
}

func decodeAck(b [ackSize]byte) ([4]byte, error) {
	if !bytes.Equal(b[0:4], controlMagic[:]) {
		return [4]byte{}, fmt.Errorf("not a control channel ack")
	}
	switch b[4] {
	case statusOK:
	case statusExhausted:
		return [4]byte{}, fmt.Errorf("no addresses left on the virtual network")
	default:
		return [4]byte{}, fmt.Errorf("session rejected (status %d)", b[4])
	}
	var addr [4]byte
	copy(addr[:], b[5:])
	return addr, nil
}
