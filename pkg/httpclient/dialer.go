package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"syscall"
	"time"

	"stream-gateway-go/pkg/netguard"
)

// ErrBlockedAddress is returned when a direct connection targets a
// private or reserved address.
var ErrBlockedAddress = errors.New("connection to private or reserved address refused")

type pinKey struct{}

type pinnedAddrs struct {
	host  string
	addrs []netip.Addr
}

// WithPinnedAddrs restricts direct dials for host to addrs for requests
// carrying the returned context.
func WithPinnedAddrs(ctx context.Context, host string, addrs []netip.Addr) context.Context {
	if len(addrs) == 0 {
		return ctx
	}
	return context.WithValue(ctx, pinKey{}, pinnedAddrs{host: strings.ToLower(host), addrs: addrs})
}

// PinnedAddrs returns the addresses pinned for host in ctx, if any.
func PinnedAddrs(ctx context.Context, host string) []netip.Addr {
	p, ok := ctx.Value(pinKey{}).(pinnedAddrs)
	if !ok || !strings.EqualFold(p.host, host) {
		return nil
	}
	return p.addrs
}

// guardedDialer dials only public addresses and, when pinning is on,
// only the addresses recorded in the request context.
type guardedDialer struct {
	dialer *net.Dialer
	pin    bool
}

func newGuardedDialer(pin bool) *guardedDialer {
	return &guardedDialer{
		dialer: &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 60 * time.Second,
			Control:   refusePrivate,
		},
		pin: pin,
	}
}

// refusePrivate runs after name resolution, immediately before connect.
func refusePrivate(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	if netguard.IsPrivateOrReservedIP(host) {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, address)
	}
	return nil
}

// targets returns the concrete addresses to try for addr.
func (d *guardedDialer) targets(ctx context.Context, addr string) []string {
	if !d.pin {
		return []string{addr}
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return []string{addr}
	}
	pinned := PinnedAddrs(ctx, host)
	if len(pinned) == 0 {
		return []string{addr}
	}
	out := make([]string, len(pinned))
	for i, a := range pinned {
		out[i] = net.JoinHostPort(a.String(), port)
	}
	return out
}

func (d *guardedDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	var lastErr error
	for _, target := range d.targets(ctx, addr) {
		conn, err := d.dialer.DialContext(ctx, network, target)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}
