package socks5

import (
	"encoding/binary"
	"net"

	"github.com/valyala/bytebufferpool"
)

// encodePool backs the scratch buffers EncodeMethodChoice and EncodeReply
// use to build their wire form. A SOCKS5 reply is tiny (at most 22
// bytes) but this codec runs on every accepted connection, so the scratch
// buffer is pooled; each call still allocates the slice it returns.
var encodePool bytebufferpool.Pool

// EncodeMethodChoice returns the 2-byte method-selection reply: VER | METHOD.
func EncodeMethodChoice(method byte) []byte {
	buf := encodePool.Get()
	defer encodePool.Put(buf)
	buf.Reset()
	buf.WriteByte(Version)
	buf.WriteByte(method)
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out
}

// EncodeReply builds VER | REP | RSV | ATYP | BND.ADDR | BND.PORT. A nil
// bindIP encodes as the IPv4 zero address (0.0.0.0), matching the
// teacher's sendReply behavior for error replies that have no bound
// address.
func EncodeReply(rep byte, bindIP net.IP, bindPort uint16) []byte {
	buf := encodePool.Get()
	defer encodePool.Put(buf)
	buf.Reset()

	buf.WriteByte(Version)
	buf.WriteByte(rep)
	buf.WriteByte(0x00) // RSV

	var addr []byte
	atyp := byte(ATYPIPv4)
	switch {
	case bindIP == nil:
		addr = make([]byte, 4)
	case bindIP.To4() != nil:
		addr = bindIP.To4()
	default:
		atyp = ATYPIPv6
		addr = bindIP.To16()
	}
	buf.WriteByte(atyp)
	buf.Write(addr)

	var portBytes [2]byte
	binary.BigEndian.PutUint16(portBytes[:], bindPort)
	buf.Write(portBytes[:])

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out
}
