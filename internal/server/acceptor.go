package server

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// acceptDrain implements spec.md §4.3: drain every pending connection on
// an edge-triggered listener readiness notification until accept(2)
// returns EAGAIN.
func (s *Server) acceptDrain() error {
	accepted := 0
	for {
		fd, sa, err := unix.Accept4(s.listenFD, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return nil
			}
			if err == unix.EINTR {
				continue
			}
			if accepted == 0 {
				return fmt.Errorf("server: accept: %w", err)
			}
			return nil
		}
		accepted++

		peerAddr := sockaddrToNetAddr(sa)
		c := newClient(s, fd, peerAddr)

		if err := s.register(c); err != nil {
			unix.Close(fd)
			releaseClient(c)
			s.metrics.acceptFailed("accept_registry_collision")
			continue
		}
		if err := s.poller.SubscribeRead(fd); err != nil {
			s.deregister(fd)
			unix.Close(fd)
			releaseClient(c)
			s.metrics.acceptFailed("accept_subscribe_failed")
			continue
		}
		s.metrics.accepted()
	}
}

func sockaddrToNetAddr(sa unix.Sockaddr) net.Addr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}
	default:
		return nil
	}
}
