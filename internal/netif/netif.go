// Package netif reconciles a network interface's assigned IPv6
// addresses against the addresses configured proxy entries want to dial
// out from, adding whatever is missing. Adapted from the teacher's
// netif.go to operate over ipv6.Pool's address lists instead of one
// address per entry.
package netif

import (
	"fmt"
	"net"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ealireza/socks5d/internal/ipv6"
)

// EnsureAddresses checks every address in pools against iface's current
// addresses and adds whatever is not already assigned, with a /128
// prefix. Idempotent: already-assigned addresses are silently skipped,
// and a concurrent "RTNETLINK answers: File exists" from another process
// racing the same add is treated as success rather than an error.
func EnsureAddresses(iface string, pools []*ipv6.Pool, log *logrus.Entry) error {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return fmt.Errorf("netif: interface %q: %w", iface, err)
	}

	addrs, err := ifi.Addrs()
	if err != nil {
		return fmt.Errorf("netif: list addresses on %q: %w", iface, err)
	}

	existing := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		ipStr := a.String()
		if idx := strings.IndexByte(ipStr, '/'); idx != -1 {
			ipStr = ipStr[:idx]
		}
		if ip := net.ParseIP(ipStr); ip != nil {
			existing[ip.String()] = struct{}{}
		}
	}

	for _, pool := range pools {
		for _, ip := range pool.Addrs() {
			normalized := ip.String()
			if _, ok := existing[normalized]; ok {
				log.WithField("addr", normalized).Debug("already assigned, skipping")
				continue
			}
			if err := addAddress(iface, normalized, log); err != nil {
				return err
			}
			existing[normalized] = struct{}{}
		}
	}

	return nil
}

func addAddress(iface, normalized string, log *logrus.Entry) error {
	addr := normalized + "/128"
	cmd := exec.Command("ip", "addr", "add", addr, "dev", iface)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if strings.Contains(string(output), "RTNETLINK answers: File exists") {
			log.WithField("addr", normalized).Debug("already exists (concurrent add), skipping")
			return nil
		}
		return fmt.Errorf("netif: ip addr add %s dev %s: %s: %w", addr, iface, strings.TrimSpace(string(output)), err)
	}
	log.WithField("addr", normalized).Info("added address to interface")
	return nil
}
