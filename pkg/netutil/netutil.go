// Package netutil holds small address-resolution and retry helpers
// shared by the tracker, storage and client-pool code, generalized from
// pkg/util/util.go in the teacher.
package netutil

import (
	"fmt"
	"net"
	"time"

	"github.com/juju/errors"
	"github.com/ngaut/log"
)

// DefaultIP returns the first non-loopback, non-unspecified IPv4 address
// found on a local interface, or "127.0.0.1" if none is found.
func DefaultIP() (string, error) {
	ip := "127.0.0.1"

	ifaces, err := net.Interfaces()
	if err != nil {
		return ip, errors.Trace(err)
	}

	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var candidate net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				candidate = v.IP
			case *net.IPAddr:
				candidate = v.IP
			}
			if candidate == nil || candidate.IsUnspecified() || candidate.IsLoopback() {
				continue
			}
			if v4 := candidate.To4(); v4 != nil {
				return v4.String(), nil
			}
		}
	}

	return ip, errors.New("netutil: no non-loopback ipv4 address found")
}

// DefaultListenAddr returns "<DefaultIP>:<port>", falling back to
// "127.0.0.1:<port>" if no interface address can be resolved.
func DefaultListenAddr(port int) string {
	ip, err := DefaultIP()
	if err != nil {
		log.Infof("netutil: %v, falling back to %s", err, ip)
	}
	return fmt.Sprintf("%s:%d", ip, port)
}

// IsValidListenHost rejects the empty string and loopback addresses,
// since a tracker or storage advertising a loopback IP to peers would be
// unreachable from another host.
func IsValidListenHost(host string) bool {
	if len(host) == 0 {
		return false
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return false
	}
	return true
}

// RetryOnError runs fn up to retryCount times, sleeping sleepTime
// between attempts, stopping at the first success. Every error is
// retried; the interval is fixed.
func RetryOnError(retryCount int, sleepTime time.Duration, label string, fn func() error) error {
	var err error
	for i := 0; i < retryCount; i++ {
		if err = fn(); err == nil {
			return nil
		}
		log.Errorf("%s: attempt %d/%d failed: %v", label, i+1, retryCount, err)
		if i < retryCount-1 {
			time.Sleep(sleepTime)
		}
	}
	return errors.Trace(err)
}
